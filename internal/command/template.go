package command

import (
	"strconv"
	"strings"
	"time"
)

// maxNotificationCommandLen bounds the expanded notification command;
// overflow truncates.
const maxNotificationCommandLen = 8192

// EventInfo supplies the substitution values for an event-notification
// command template.
type EventInfo struct {
	NodeID     int
	NodeName   string
	EventType  string
	Successful bool
	Timestamp  time.Time
	Details    string
	Conninfo   string
	AuxNodeID  int // former primary during switchover
}

// timestampFormat matches the engine's timestamptz text output.
const timestampFormat = "2006-01-02 15:04:05-07"

// ParseNotificationCommand expands the %-tokens of an event-notification
// command template:
//
//	%% literal %   %n node id      %a node name   %e event name
//	%d details     %s success 0/1  %t timestamp   %c conninfo
//	%p auxiliary node id
//
// Double quotes inside %d are escaped. Unknown tokens pass through
// unchanged.
func ParseNotificationCommand(template string, info EventInfo) string {
	var b strings.Builder

	for i := 0; i < len(template); i++ {
		if template[i] != '%' || i+1 >= len(template) {
			b.WriteByte(template[i])
			continue
		}

		i++
		switch template[i] {
		case '%':
			b.WriteByte('%')
		case 'n':
			b.WriteString(strconv.Itoa(info.NodeID))
		case 'a':
			b.WriteString(info.NodeName)
		case 'e':
			b.WriteString(info.EventType)
		case 'd':
			b.WriteString(strings.ReplaceAll(info.Details, `"`, `\"`))
		case 's':
			if info.Successful {
				b.WriteByte('1')
			} else {
				b.WriteByte('0')
			}
		case 't':
			b.WriteString(info.Timestamp.Format(timestampFormat))
		case 'c':
			b.WriteString(info.Conninfo)
		case 'p':
			b.WriteString(strconv.Itoa(info.AuxNodeID))
		default:
			b.WriteByte('%')
			b.WriteByte(template[i])
		}

		if b.Len() >= maxNotificationCommandLen {
			break
		}
	}

	s := b.String()
	if len(s) > maxNotificationCommandLen {
		s = s[:maxNotificationCommandLen]
	}
	return s
}
