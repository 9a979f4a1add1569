// Package uistate derives display state from client events. Reduce is pure:
// it never mutates its input state.
package uistate

import (
	"sort"
	"time"

	"github.com/g960059/tronclient/internal/command"
	"github.com/g960059/tronclient/internal/fanout"
	"github.com/g960059/tronclient/internal/model"
	"github.com/g960059/tronclient/internal/reply"
)

const MaxCommands = 50

type Row struct {
	Key     string
	Display string
	SeenAt  time.Time
	Stale   bool
}

type CommandRow struct {
	ID    int
	Text  string
	State command.State
	Err   string
	At    time.Time
}

type State struct {
	Conn      model.ConnState
	SessionID string
	LastError string
	// OfferReconnect is set once the automatic reconnect attempt has failed.
	OfferReconnect bool
	Keywords       map[string]Row
	Commands       []CommandRow
	Batches        uint64
}

func Initial() State {
	return State{Conn: model.ConnDisconnected, Keywords: map[string]Row{}}
}

func Reduce(prev State, ev fanout.Event) State {
	switch ev.Kind {
	case fanout.EventStatus:
		return reduceStatus(prev, ev.Status)
	case fanout.EventKeywords:
		return reduceKeywords(prev, ev)
	case fanout.EventCommand:
		return reduceCommand(prev, ev.Command)
	default:
		return prev
	}
}

func ReduceAll(prev State, events ...fanout.Event) State {
	for _, ev := range events {
		prev = Reduce(prev, ev)
	}
	return prev
}

// Rows returns the keyword rows sorted by key.
func (s State) Rows() []Row {
	out := make([]Row, 0, len(s.Keywords))
	for _, row := range s.Keywords {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func reduceStatus(prev State, ch model.StatusChange) State {
	next := prev
	next.Conn = ch.To
	if ch.SessionID != "" {
		next.SessionID = ch.SessionID
	}
	if ch.Err != nil {
		next.LastError = ch.Err.Error()
	}
	switch {
	case ch.ReconnectFailed:
		next.OfferReconnect = true
	case ch.To == model.ConnAuthorised:
		next.OfferReconnect = false
		next.LastError = ""
	}
	if ch.To == model.ConnDisconnected && ch.From != model.ConnDisconnected {
		next.Keywords = make(map[string]Row, len(prev.Keywords))
		for k, row := range prev.Keywords {
			row.Stale = true
			next.Keywords[k] = row
		}
	}
	return next
}

func reduceKeywords(prev State, ev fanout.Event) State {
	if len(ev.Keywords) == 0 {
		return prev
	}
	next := prev
	next.Keywords = make(map[string]Row, len(prev.Keywords)+len(ev.Keywords))
	for k, row := range prev.Keywords {
		next.Keywords[k] = row
	}
	for _, kw := range ev.Keywords {
		key := kw.Key()
		next.Keywords[key] = Row{
			Key:     key,
			Display: reply.FormatValues(kw.Values),
			SeenAt:  kw.SeenAt,
			Stale:   kw.Stale,
		}
	}
	next.Batches++
	return next
}

func reduceCommand(prev State, tr command.Transition) State {
	next := prev
	row := CommandRow{ID: tr.ID, Text: tr.Text, State: tr.To, At: tr.At}
	if tr.Err != nil {
		row.Err = tr.Err.Error()
		next.LastError = row.Err
	}
	idx := -1
	for i := len(prev.Commands) - 1; i >= 0; i-- {
		if prev.Commands[i].ID == tr.ID {
			idx = i
			break
		}
	}
	if idx >= 0 {
		next.Commands = append([]CommandRow(nil), prev.Commands...)
		next.Commands[idx] = row
		return next
	}
	start := 0
	if len(prev.Commands) >= MaxCommands {
		start = len(prev.Commands) - MaxCommands + 1
	}
	next.Commands = make([]CommandRow, 0, len(prev.Commands)-start+1)
	next.Commands = append(next.Commands, prev.Commands[start:]...)
	next.Commands = append(next.Commands, row)
	return next
}
