package onebot

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/axekz/coinyx/pkg/gateway"
)

// ID accepts both JSON numbers and strings; implementations disagree on which they send.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

// Int renders the id as a JSON number when it is numeric.
func (id ID) Int() any {
	if n, err := strconv.ParseInt(string(id), 10, 64); err == nil {
		return n
	}
	return string(id)
}

// Segment is one part of a message array.
type Segment struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type textData struct {
	Text string `json:"text"`
}

type atData struct {
	QQ ID `json:"qq"`
}

type replyData struct {
	ID ID `json:"id"`
}

// Text builds a text segment.
func Text(s string) Segment {
	raw, _ := json.Marshal(map[string]string{"text": s})
	return Segment{Type: "text", Data: raw}
}

// At builds a mention segment.
func At(account string) Segment {
	raw, _ := json.Marshal(map[string]any{"qq": ID(account).Int()})
	return Segment{Type: "at", Data: raw}
}

// Reply builds a quote segment.
func Reply(messageID string) Segment {
	raw, _ := json.Marshal(map[string]string{"id": messageID})
	return Segment{Type: "reply", Data: raw}
}

type sender struct {
	Nickname string `json:"nickname"`
	Card     string `json:"card"`
}

// frame is any inbound JSON frame: an event or an action response.
type frame struct {
	// events
	PostType    string          `json:"post_type"`
	MessageType string          `json:"message_type"`
	NoticeType  string          `json:"notice_type"`
	SubType     string          `json:"sub_type"`
	Time        int64           `json:"time"`
	SelfID      ID              `json:"self_id"`
	GroupID     ID              `json:"group_id"`
	UserID      ID              `json:"user_id"`
	MessageID   ID              `json:"message_id"`
	Message     json.RawMessage `json:"message"`
	Sender      sender          `json:"sender"`

	// responses
	Status  string          `json:"status"`
	RetCode int             `json:"retcode"`
	Data    json.RawMessage `json:"data"`
	Echo    string          `json:"echo"`
	Wording string          `json:"wording"`
}

func (f *frame) isResponse() bool {
	return f.Echo != "" && f.PostType == ""
}

// request is an outbound action.
type request struct {
	Action string `json:"action"`
	Params any    `json:"params"`
	Echo   string `json:"echo"`
}

// parsed is the useful content of a message array.
type parsed struct {
	text     string
	mentions []string
	replyTo  string
}

func parseMessage(raw json.RawMessage) parsed {
	var out parsed
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return out
	}
	// string form (CQ codes are not interpreted)
	if raw[0] == '"' {
		_ = json.Unmarshal(raw, &out.text)
		out.text = strings.TrimSpace(out.text)
		return out
	}

	var segs []Segment
	if err := json.Unmarshal(raw, &segs); err != nil {
		return out
	}
	var text strings.Builder
	for _, s := range segs {
		switch s.Type {
		case "text":
			var d textData
			if json.Unmarshal(s.Data, &d) == nil {
				text.WriteString(d.Text)
			}
		case "at":
			var d atData
			if json.Unmarshal(s.Data, &d) == nil && d.QQ != "" && d.QQ != "all" {
				out.mentions = append(out.mentions, string(d.QQ))
			}
		case "reply":
			var d replyData
			if json.Unmarshal(s.Data, &d) == nil {
				out.replyTo = string(d.ID)
			}
		}
	}
	out.text = strings.TrimSpace(text.String())
	return out
}

// toEvent converts a group event frame. ok is false for anything the economy ignores.
func (f *frame) toEvent() (gateway.Event, bool) {
	at := time.Unix(f.Time, 0).UTC()
	if f.Time == 0 {
		at = time.Now().UTC()
	}

	switch {
	case f.PostType == "message" && f.MessageType == "group":
		p := parseMessage(f.Message)
		name := f.Sender.Card
		if name == "" {
			name = f.Sender.Nickname
		}
		ev := gateway.Event{
			Kind:       gateway.EventMessage,
			Channel:    string(f.GroupID),
			Sender:     string(f.UserID),
			SenderName: name,
			MessageID:  string(f.MessageID),
			Text:       p.text,
			Mentions:   p.mentions,
			At:         at,
		}
		if p.replyTo != "" {
			ev.ReplyTo = &gateway.MessageRef{Channel: string(f.GroupID), MessageID: p.replyTo}
		}
		return ev, true

	case f.PostType == "notice" && f.NoticeType == "group_decrease":
		// kick_me means the bot itself was removed
		if f.SubType == "kick_me" || f.UserID == f.SelfID {
			return gateway.Event{}, false
		}
		return gateway.Event{
			Kind:    gateway.EventDeparture,
			Channel: string(f.GroupID),
			Sender:  string(f.UserID),
			At:      at,
		}, true
	}
	return gateway.Event{}, false
}
