package script

import (
	"errors"
	"testing"
)

func TestParseUpdates(t *testing.T) {
	t.Run("nil means unchanged", func(t *testing.T) {
		u, err := ParseUpdates(nil)
		if err != nil || u.Msg != nil {
			t.Errorf("u = %+v err = %v", u, err)
		}
	})

	t.Run("bare string replaces payload", func(t *testing.T) {
		u, err := ParseUpdates("new payload")
		if err != nil {
			t.Fatal(err)
		}
		if u.Msg == nil || *u.Msg != "new payload" {
			t.Errorf("msg = %v", u.Msg)
		}
	})

	t.Run("map unpacks by key", func(t *testing.T) {
		u, err := ParseUpdates(map[string]any{
			"msg":                "m",
			"channelMap":         map[string]any{"a": 1},
			"globalMap":          map[string]any{"g": 2},
			"removeDestinations": []any{"D2"},
			"unknownKey":         "ignored",
		})
		if err != nil {
			t.Fatal(err)
		}
		if *u.Msg != "m" || u.ChannelMap["a"] != 1 || u.GlobalMap["g"] != 2 {
			t.Errorf("updates = %+v", u)
		}
		if len(u.RemoveDestinations) != 1 || u.RemoveDestinations[0] != "D2" {
			t.Errorf("removeDestinations = %v", u.RemoveDestinations)
		}
	})

	t.Run("wrong msg type rejected", func(t *testing.T) {
		if _, err := ParseUpdates(map[string]any{"msg": 42}); err == nil {
			t.Error("expected error for non-string msg")
		}
	})

	t.Run("wrong result type rejected", func(t *testing.T) {
		if _, err := ParseUpdates(42); err == nil {
			t.Error("expected error for int result")
		}
	})
}

func TestErrorClassification(t *testing.T) {
	base := errors.New("boom")
	scriptErr := NewError("filter", "x > 1", base)

	if scriptErr.Stage != "filter" {
		t.Errorf("stage = %q", scriptErr.Stage)
	}
	if !errors.Is(scriptErr, base) {
		t.Error("script error does not unwrap to cause")
	}
	var target *Error
	if !errors.As(error(scriptErr), &target) {
		t.Error("errors.As failed for *Error")
	}
}
