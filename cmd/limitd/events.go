package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"github.com/goodtune/apptimelimit/internal/engine"
)

// event is the newline-delimited JSON wire format limitd serve reads from
// stdin or a Unix socket, and limitd check/dump replay from a file. One line
// is one event; unrecognized Type values are rejected.
type event struct {
	Type               string   `json:"type"`
	UserID             int32    `json:"userId"`
	UID                int32    `json:"uid,omitempty"`
	ObserverID         int32    `json:"observerId,omitempty"`
	Entity             string   `json:"entity,omitempty"`
	Observed           []string `json:"observed,omitempty"`
	TimeLimitMs        int64    `json:"timeLimitMs,omitempty"`
	SessionThresholdMs int64    `json:"sessionThresholdMs,omitempty"`
}

// applyEvent dispatches one decoded event against ctrl.
func applyEvent(ctrl *engine.Controller, e event) error {
	switch e.Type {
	case "register_app":
		return ctrl.AddAppUsageObserver(engine.UserID(e.UserID), engine.UID(e.UID), engine.ObserverID(e.ObserverID), e.Observed, e.TimeLimitMs, nil)
	case "register_session":
		return ctrl.AddUsageSessionObserver(engine.UserID(e.UserID), engine.UID(e.UID), engine.ObserverID(e.ObserverID), e.Observed, e.TimeLimitMs, e.SessionThresholdMs, nil)
	case "remove_app":
		ctrl.RemoveAppUsageObserver(engine.UID(e.UID), engine.ObserverID(e.ObserverID))
		return nil
	case "remove_session":
		ctrl.RemoveUsageSessionObserver(engine.UID(e.UID), engine.ObserverID(e.ObserverID))
		return nil
	case "start":
		return ctrl.NoteUsageStart(engine.UserID(e.UserID), e.Entity)
	case "stop":
		return ctrl.NoteUsageStop(engine.UserID(e.UserID), e.Entity)
	case "user_removed":
		ctrl.OnUserRemoved(engine.UserID(e.UserID))
		return nil
	default:
		return fmt.Errorf("unrecognized event type %q", e.Type)
	}
}

// readEvents decodes newline-delimited JSON events from r, calling fn for
// each successfully decoded one and onParseErr for each line that fails to
// parse. A malformed line never aborts the stream: one bad event on an
// otherwise-healthy ingest connection should not take the rest down with it.
func readEvents(r io.Reader, fn func(event) error, onParseErr func(line []byte, err error)) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e event
		if err := json.Unmarshal(line, &e); err != nil {
			if onParseErr != nil {
				onParseErr(append([]byte(nil), line...), err)
			}
			continue
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return scanner.Err()
}
