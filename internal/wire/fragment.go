package wire

import (
	"encoding/base64"
	"errors"
	"fmt"
)

var ErrBadFragment = errors.New("wire: malformed fragment")

// Fragment is one chunk of an oversized envelope.
type Fragment struct {
	ID    string
	Index int
	Total int
	Data  []byte
}

type fragmentFrame struct {
	Type       string `json:"type"`
	FragmentID string `json:"fragmentId"`
	Index      int    `json:"index"`
	Total      int    `json:"total"`
	Data       string `json:"data"`
}

// ParseFragment reads a msg_fragment control frame.
func ParseFragment(c Control) (Fragment, error) {
	var f fragmentFrame
	for name, dst := range map[string]any{
		"fragmentId": &f.FragmentID,
		"index":      &f.Index,
		"total":      &f.Total,
		"data":       &f.Data,
	} {
		if !c.Has(name) {
			return Fragment{}, fmt.Errorf("%w: missing %s", ErrBadFragment, name)
		}
		if err := c.Decode(name, dst); err != nil {
			return Fragment{}, fmt.Errorf("%w: %v", ErrBadFragment, err)
		}
	}
	data, err := base64.StdEncoding.DecodeString(f.Data)
	if err != nil {
		return Fragment{}, fmt.Errorf("%w: data: %v", ErrBadFragment, err)
	}
	if f.FragmentID == "" {
		return Fragment{}, fmt.Errorf("%w: empty id", ErrBadFragment)
	}
	return Fragment{ID: f.FragmentID, Index: f.Index, Total: f.Total, Data: data}, nil
}

// Message returns the control frame for f.
func (f Fragment) Message() Message {
	return NewMessage(TypeFragment).
		With("fragmentId", f.ID).
		With("index", f.Index).
		With("total", f.Total).
		With("data", base64.StdEncoding.EncodeToString(f.Data))
}
