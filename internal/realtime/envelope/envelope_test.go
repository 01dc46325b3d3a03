package envelope

import (
	"fmt"
	"testing"
	"time"

	"github.com/jankosk/norish-sub000/internal/realtime/channel"
)

func TestEncodeDecodePreservesRichTypes(t *testing.T) {
	at := time.Date(2025, 11, 3, 12, 30, 0, 0, time.UTC)
	env := Envelope{
		Domain:  "recipes",
		Event:   "updated",
		Scope:   channel.ScopeHousehold,
		ScopeID: "h42",
		At:      at,
		Data: map[string]any{
			"recipeId": "r1",
			"servings": int64(4),
			"tags":     []any{"dinner", "quick"},
			"nested":   map[string]any{"calories": int64(320)},
		},
	}
	b, err := Encode(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.At.Equal(at) {
		t.Fatalf("timestamp lost: %v != %v", got.At, at)
	}
	data, ok := got.Data.(map[string]any)
	if !ok {
		t.Fatalf("data type: %T", got.Data)
	}
	if data["recipeId"] != "r1" {
		t.Fatalf("recipeId: %v", data["recipeId"])
	}
	nested, ok := data["nested"].(map[string]any)
	if !ok {
		t.Fatalf("nested type: %T", data["nested"])
	}
	if fmt.Sprint(nested["calories"]) != "320" {
		t.Fatalf("nested calories: %v (%T)", nested["calories"], nested["calories"])
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode([]byte{0xc1, 0x00, 0xff}); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestDecodeData(t *testing.T) {
	type payload struct {
		GroceryID string `msgpack:"groceryId"`
		Count     int    `msgpack:"count"`
	}
	env := Envelope{
		Domain: "groceries", Event: "item-added",
		Scope: channel.ScopeUser, ScopeID: "u1", At: time.Now(),
		Data: map[string]any{"groceryId": "g9", "count": 2},
	}
	b, err := Encode(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	var p payload
	if err := DecodeData(got, &p); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if p.GroceryID != "g9" || p.Count != 2 {
		t.Fatalf("payload: %+v", p)
	}
}
