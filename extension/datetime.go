package extension

import (
	"strings"
	"time"

	"github.com/waypointhq/waypoint/core"
)

// CurrentDatetime stores the formatted current time:
//
//	["custom", {"name": "current_datetime",
//	            "args": {"format": "%d/%m/%Y", "output": "TODAY"}}]
//
// The format uses strftime verbs for script compatibility; unknown verbs
// fall back to the default format. Without an output key the value lands
// under CURRENT_DATETIME.
type CurrentDatetime struct {
	*Base
	now func() time.Time
}

const defaultTimeFormat = "%d/%m/%Y %H:%M:%S"

// NewCurrentDatetime builds the extension.
func NewCurrentDatetime(ec *core.ExtensionContext) (core.Extension, error) {
	return &CurrentDatetime{Base: NewBase(ec), now: time.Now}, nil
}

// Run formats and stores the current time.
func (c *CurrentDatetime) Run() error {
	format := defaultTimeFormat
	if f, ok := c.Args()["format"].(string); ok {
		format = f
	}
	layout, ok := strftimeLayout(format)
	if !ok {
		layout, _ = strftimeLayout(defaultTimeFormat)
	}
	rendered := c.now().Format(layout)

	output := "CURRENT_DATETIME"
	if o, ok := c.Args()["output"].(string); ok {
		output = o
	}
	if err := c.Knowledge().Set(output, rendered); err != nil {
		c.Logger().Error("current_datetime: output is a reserved key", "key", output)
		c.Failed(nil)
		return nil
	}
	c.Logger().Debug("current_datetime", "value", rendered)
	c.Succeeded(nil)
	return nil
}

var strftimeVerbs = map[byte]string{
	'd': "02",
	'm': "01",
	'Y': "2006",
	'y': "06",
	'H': "15",
	'I': "03",
	'M': "04",
	'S': "05",
	'p': "PM",
	'B': "January",
	'b': "Jan",
	'A': "Monday",
	'a': "Mon",
	'Z': "MST",
	'%': "%",
}

// strftimeLayout translates an strftime format into a time layout. It
// reports false on a verb it cannot translate.
func strftimeLayout(format string) (string, bool) {
	var out strings.Builder
	for i := 0; i < len(format); i++ {
		if format[i] != '%' {
			out.WriteByte(format[i])
			continue
		}
		if i+1 >= len(format) {
			return "", false
		}
		i++
		repl, ok := strftimeVerbs[format[i]]
		if !ok {
			return "", false
		}
		out.WriteString(repl)
	}
	return out.String(), true
}
