package logsink

import "fmt"

// Formatter renders emoji-tagged one-line console messages, adapted from
// the teacher's log.MessageFormatter for this domain's daemons (adapters,
// verifier core, judgement emitter) rather than HTTP request logging.
type Formatter struct {
	component string
	emoji     string
}

// NewFormatter returns a bare formatter with no component tag.
func NewFormatter() *Formatter {
	return &Formatter{}
}

// WithComponent returns a copy of f tagged with name/emoji, following the
// teacher's WithComponent chaining style.
func (f *Formatter) WithComponent(name, emoji string) *Formatter {
	return &Formatter{component: name, emoji: emoji}
}

func (f *Formatter) tag() string {
	if f.component == "" {
		return ""
	}
	if f.emoji != "" {
		return fmt.Sprintf("%s %s", f.emoji, f.component)
	}
	return f.component
}

func (f *Formatter) Fail(msg string) string {
	return fmt.Sprintf("%s: ❌ %s", f.tag(), msg)
}

func (f *Formatter) Ok(msg string) string {
	return fmt.Sprintf("%s: ✅ %s", f.tag(), msg)
}

func (f *Formatter) Warn(msg string) string {
	return fmt.Sprintf("%s: ⚠️ %s", f.tag(), msg)
}

func (f *Formatter) Start(msg string) string {
	return fmt.Sprintf("%s: \U0001f680 %s", f.tag(), msg)
}

func (f *Formatter) Complete(msg string) string {
	return fmt.Sprintf("%s: \U0001f3c1 %s", f.tag(), msg)
}

func (f *Formatter) Component(msg string) string {
	return fmt.Sprintf("%s: %s", f.tag(), msg)
}

func (f *Formatter) Active(msg string) string {
	return fmt.Sprintf("%s: \U0001f7e2 %s", f.tag(), msg)
}

func (f *Formatter) Inactive(msg string) string {
	return fmt.Sprintf("%s: ⚪ %s", f.tag(), msg)
}
