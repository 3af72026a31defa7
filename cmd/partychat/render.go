package main

import (
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/omochice/partychat/pkg/protocol"
)

var (
	selfStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FFFFFF"))
	systemStyle = lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("#6C757D"))
	timeStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#6C757D"))
	bannerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1).
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(lipgloss.Color("#0D6EFD"))
)

// renderer prints room traffic. Methods may be called from the event
// handler and the stdin loop at the same time.
type renderer struct {
	mu       sync.Mutex
	w        io.Writer
	nickname string
	typing   bool
	others   int
}

func newRenderer(w io.Writer, nickname string) *renderer {
	return &renderer{w: w, nickname: nickname}
}

func (r *renderer) banner(room string) {
	r.println(bannerStyle.Render("room " + room + " · you are " + r.nickname))
}

func (r *renderer) system(text string) {
	r.println(systemStyle.Render("· " + text))
}

func (r *renderer) message(msg protocol.ChatMessage) {
	stamp := timeStyle.Render(msg.Time().Format("15:04:05"))
	if msg.IsSystemMessage {
		who := msg.UserNickname
		if who == "" {
			who = "someone"
		}
		r.println(fmt.Sprintf("%s %s", stamp, systemStyle.Render(who+" "+msg.Body)))
		return
	}

	style := lipgloss.NewStyle().Bold(true).Foreground(nickColor(msg.PermID))
	if msg.UserNickname == r.nickname {
		style = selfStyle
	}
	r.println(fmt.Sprintf("%s %s %s", stamp, style.Render(msg.UserNickname+":"), msg.Body))
}

// event renders an unsolicited frame from the service.
func (r *renderer) event(env protocol.Envelope) {
	switch env.Type {
	case protocol.MessageTypeSendMessage:
		var msg protocol.ChatMessage
		if err := env.DecodeData(&msg); err != nil {
			return
		}
		r.message(msg)
	case protocol.MessageTypeSetTypingPresence:
		var update protocol.TypingUpdate
		if err := env.DecodeData(&update); err != nil {
			return
		}
		if line := r.updateTyping(update); line != "" {
			r.system(line)
		}
	default:
		r.system(describeEvent(env))
	}
}

// describeEvent summarizes a frame the client has no dedicated view for as
// its type followed by its top-level payload fields in key order.
func describeEvent(env protocol.Envelope) string {
	fields, err := env.Fields()
	if err != nil || len(fields.GetFields()) == 0 {
		return env.Type.String()
	}

	keys := make([]string, 0, len(fields.GetFields()))
	for k := range fields.GetFields() {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(env.Type.String())
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, fields.GetFields()[k].AsInterface())
	}
	return b.String()
}

// updateTyping records a presence update and returns the indicator line to
// print when the number of other members typing changed.
func (r *renderer) updateTyping(update protocol.TypingUpdate) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	others := len(update.UsersTyping)
	if r.typing && others > 0 {
		others--
	}
	if !update.AnyoneTyping {
		others = 0
	}
	if others == r.others {
		return ""
	}
	r.others = others
	return typingLine(others)
}

func (r *renderer) selfTyping() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.typing
}

func (r *renderer) setSelfTyping(typing bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.typing = typing
}

func (r *renderer) println(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.w, s)
}

func typingLine(others int) string {
	switch {
	case others <= 0:
		return "nobody is typing"
	case others == 1:
		return "someone is typing..."
	default:
		return fmt.Sprintf("%d people are typing...", others)
	}
}

// nickColor picks a stable colour for a member from its permanent id.
func nickColor(permID string) lipgloss.Color {
	var hash int32
	for _, c := range permID {
		hash = int32(c) + (hash << 5) - hash
	}
	hue := int(hash % 360)
	if hue < 0 {
		hue = -hue
	}
	return lipgloss.Color(hslToHex(float64(hue), 0.7, 0.4))
}

func hslToHex(h, s, l float64) string {
	c := (1 - math.Abs(2*l-1)) * s
	x := c * (1 - math.Abs(math.Mod(h/60, 2)-1))
	m := l - c/2

	var r, g, b float64
	switch {
	case h < 60:
		r, g, b = c, x, 0
	case h < 120:
		r, g, b = x, c, 0
	case h < 180:
		r, g, b = 0, c, x
	case h < 240:
		r, g, b = 0, x, c
	case h < 300:
		r, g, b = x, 0, c
	default:
		r, g, b = c, 0, x
	}

	return fmt.Sprintf("#%02X%02X%02X",
		int(math.Round((r+m)*255)),
		int(math.Round((g+m)*255)),
		int(math.Round((b+m)*255)))
}
