package types

import (
	"database/sql/driver"
	"fmt"
	"strings"
)

// ChannelSet is a set of delivery channels stored as a comma-separated
// text column.
type ChannelSet []Channel

// Contains reports whether the set includes ch.
func (s ChannelSet) Contains(ch Channel) bool {
	for _, c := range s {
		if c == ch {
			return true
		}
	}
	return false
}

// Value implements driver.Valuer.
func (s ChannelSet) Value() (driver.Value, error) {
	parts := make([]string, len(s))
	for i, c := range s {
		parts[i] = string(c)
	}
	return strings.Join(parts, ","), nil
}

// Scan implements sql.Scanner.
func (s *ChannelSet) Scan(src interface{}) error {
	str, err := scanString(src)
	if err != nil {
		return fmt.Errorf("scan channel set: %w", err)
	}
	*s = nil
	if str == "" {
		return nil
	}
	for _, part := range strings.Split(str, ",") {
		*s = append(*s, Channel(strings.TrimSpace(part)))
	}
	return nil
}

// StringList is a list of strings stored as a comma-separated text column.
// Used for rule recipient email lists.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	return strings.Join(l, ","), nil
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(src interface{}) error {
	str, err := scanString(src)
	if err != nil {
		return fmt.Errorf("scan string list: %w", err)
	}
	*l = nil
	if str == "" {
		return nil
	}
	for _, part := range strings.Split(str, ",") {
		*l = append(*l, strings.TrimSpace(part))
	}
	return nil
}

func scanString(src interface{}) (string, error) {
	switch v := src.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	default:
		return "", fmt.Errorf("unsupported source type %T", src)
	}
}
