package extension

import (
	"github.com/waypointhq/waypoint/core"
)

// TextInput prompts the user and captures their next message under a
// knowledge key:
//
//	["custom", {"name": "text_input",
//	            "args": {"prompt": "Enter your name", "output": "GUESTNAME"}}]
//
// The prompt may also be a [template, [keys...]] pair. The action stays
// running until the next user message arrives, which it consumes.
type TextInput struct {
	*Base
	outputKey string
}

// NewTextInput builds the extension.
func NewTextInput(ec *core.ExtensionContext) (core.Extension, error) {
	return &TextInput{Base: NewBase(ec)}, nil
}

// Run validates arguments, subscribes for the next user message, and emits
// the optional prompt.
func (t *TextInput) Run() error {
	output, ok := t.StringArg("output")
	if !ok {
		t.Logger().Error("text_input: missing or invalid output(str)")
		t.Failed(nil)
		return nil
	}
	t.outputKey = output

	prompt := ""
	if raw, found := t.Args()["prompt"]; found {
		rendered, err := t.Knowledge().ResolveText(raw)
		if err != nil {
			t.Logger().Warn("text_input: invalid prompt, ignoring", "error", err)
		} else {
			prompt = rendered
		}
	}

	t.ListenMessages(t)

	if prompt != "" {
		t.Say(prompt)
	}
	return nil
}

// OnUserMessage stores the message text and completes the action, consuming
// the message.
func (t *TextInput) OnUserMessage(msg *core.UserMessage) bool {
	text := msg.Text()
	if err := t.Knowledge().Set(t.outputKey, text); err != nil {
		t.Logger().Error("text_input: output is a reserved key", "key", t.outputKey)
		t.Failed(nil)
		return false
	}
	t.LogInput(text)
	t.Succeeded(nil)
	return false
}
