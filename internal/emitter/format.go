package emitter

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nshruti113/dos-protect/internal/models"
)

const (
	Product = "app-protect-dos"
	// DateLayout renders date_time, e.g. Oct 19 2026 10:00:05
	DateLayout = "Jan 02 2006 15:04:05"
)

var ErrMalformed = errors.New("malformed security log line")

// Format renders e as one key="value" security-log line without a newline.
func Format(e models.AttackEvent) string {
	var b strings.Builder
	b.Grow(256)
	field(&b, "product", Product)
	field(&b, "vs_name", e.Resource.String())
	field(&b, "attack_event", string(e.Kind))
	field(&b, "dos_attack_id", strconv.FormatUint(e.AttackID, 10))
	field(&b, "date_time", e.Timestamp.UTC().Format(DateLayout))
	field(&b, "stress_level", strconv.FormatFloat(e.StressLevel, 'f', 2, 64))
	if e.SourceIP != "" {
		field(&b, "source_ip", e.SourceIP)
	}
	if e.Signature != "" {
		field(&b, "signature", e.Signature)
	}
	if e.LearningConfidence != "" {
		field(&b, "learning_confidence", string(e.LearningConfidence))
	}
	if e.UnitHostname != "" {
		field(&b, "unit_hostname", e.UnitHostname)
	}
	return b.String()
}

func field(b *strings.Builder, key, value string) {
	if b.Len() > 0 {
		b.WriteByte(' ')
	}
	b.WriteString(key)
	b.WriteString(`="`)
	for i := 0; i < len(value); i++ {
		switch c := value[i]; c {
		case '"', '\\':
			b.WriteByte('\\')
			b.WriteByte(c)
		case '\n', '\r':
			b.WriteByte(' ')
		default:
			b.WriteByte(c)
		}
	}
	b.WriteByte('"')
}

// ParseLine extracts every key="value" pair of a line. Anything that is not a
// pair, such as a syslog header, is skipped.
func ParseLine(line string) (map[string]string, error) {
	fields := make(map[string]string)
	i := 0
	for i < len(line) {
		eq := strings.Index(line[i:], `="`)
		if eq < 0 {
			break
		}
		eq += i
		start := eq
		for start > i && isKeyByte(line[start-1]) {
			start--
		}
		key := line[start:eq]

		var value strings.Builder
		j := eq + 2
		closed := false
		for j < len(line) {
			c := line[j]
			if c == '\\' && j+1 < len(line) {
				value.WriteByte(line[j+1])
				j += 2
				continue
			}
			if c == '"' {
				closed = true
				j++
				break
			}
			value.WriteByte(c)
			j++
		}
		if !closed {
			return nil, fmt.Errorf("%w: unterminated value for %q", ErrMalformed, key)
		}
		if key != "" {
			fields[key] = value.String()
		}
		i = j
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: no fields", ErrMalformed)
	}
	return fields, nil
}

func isKeyByte(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// ParseEvent is the inverse of Format.
func ParseEvent(line string) (models.AttackEvent, error) {
	f, err := ParseLine(line)
	if err != nil {
		return models.AttackEvent{}, err
	}
	for _, k := range []string{"vs_name", "attack_event", "dos_attack_id", "date_time"} {
		if _, ok := f[k]; !ok {
			return models.AttackEvent{}, fmt.Errorf("%w: missing %s", ErrMalformed, k)
		}
	}

	ev := models.AttackEvent{
		Kind:               models.EventKind(f["attack_event"]),
		SourceIP:           f["source_ip"],
		Signature:          f["signature"],
		LearningConfidence: models.LearningConfidence(f["learning_confidence"]),
		UnitHostname:       f["unit_hostname"],
	}
	if ev.Resource, err = models.ParseResourceID(f["vs_name"]); err != nil {
		return models.AttackEvent{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if ev.AttackID, err = strconv.ParseUint(f["dos_attack_id"], 10, 64); err != nil {
		return models.AttackEvent{}, fmt.Errorf("%w: dos_attack_id: %v", ErrMalformed, err)
	}
	if ev.Timestamp, err = time.Parse(DateLayout, f["date_time"]); err != nil {
		return models.AttackEvent{}, fmt.Errorf("%w: date_time: %v", ErrMalformed, err)
	}
	if s, ok := f["stress_level"]; ok {
		if ev.StressLevel, err = strconv.ParseFloat(s, 64); err != nil {
			return models.AttackEvent{}, fmt.Errorf("%w: stress_level: %v", ErrMalformed, err)
		}
	}
	return ev, nil
}
