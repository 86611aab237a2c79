package schema

import (
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"
)

func TestNote_Validate(t *testing.T) {
	tests := []struct {
		name    string
		note    Note
		wantErr bool
		errMsg  string
	}{
		{
			name: "valid note",
			note: Note{Meta: Meta{ID: "n1", WorkspaceID: "ws"}, OwnerID: "u1", Title: "Groceries"},
		},
		{
			name: "untitled note is allowed",
			note: Note{Meta: Meta{ID: "n1", WorkspaceID: "ws"}, OwnerID: "u1"},
		},
		{
			name:    "missing id",
			note:    Note{Meta: Meta{WorkspaceID: "ws"}, OwnerID: "u1"},
			wantErr: true,
			errMsg:  "id is required",
		},
		{
			name:    "missing workspace",
			note:    Note{Meta: Meta{ID: "n1"}, OwnerID: "u1"},
			wantErr: true,
			errMsg:  "workspace_id is required",
		},
		{
			name:    "missing owner",
			note:    Note{Meta: Meta{ID: "n1", WorkspaceID: "ws"}},
			wantErr: true,
			errMsg:  "owner_id is required",
		},
		{
			name:    "title too long",
			note:    Note{Meta: Meta{ID: "n1", WorkspaceID: "ws"}, OwnerID: "u1", Title: strings.Repeat("x", MaxTitleLength+1)},
			wantErr: true,
			errMsg:  "title must be",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.note.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil {
				return
			}
			if !errors.Is(err, ErrSchemaInvalid) {
				t.Errorf("Validate() error = %v, want ErrSchemaInvalid", err)
			}
			if !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("Validate() error = %q, want containing %q", err, tt.errMsg)
			}
		})
	}
}

func TestBlock_Validate(t *testing.T) {
	valid := Block{Meta: Meta{ID: "b1", WorkspaceID: "ws"}, NoteID: "n1", Order: 1, Content: json.RawMessage(`{"text":"hi"}`)}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() on valid block failed: %v", err)
	}

	orphan := valid
	orphan.NoteID = ""
	if err := orphan.Validate(); !errors.Is(err, ErrSchemaInvalid) {
		t.Errorf("orphan block: got %v, want ErrSchemaInvalid", err)
	}

	nan := valid
	nan.Order = math.NaN()
	if err := nan.Validate(); !errors.Is(err, ErrSchemaInvalid) {
		t.Errorf("NaN order: got %v, want ErrSchemaInvalid", err)
	}

	garbage := valid
	garbage.Content = json.RawMessage(`{"text":`)
	if err := garbage.Validate(); !errors.Is(err, ErrSchemaInvalid) {
		t.Errorf("malformed content: got %v, want ErrSchemaInvalid", err)
	}
}

func TestEnvelope_Decode(t *testing.T) {
	block := &Block{
		Meta:    Meta{ID: "b1", WorkspaceID: "ws", Version: 3, BaseVersion: 2, UpdatedAt: 9},
		NoteID:  "n1",
		Order:   2.5,
		Content: json.RawMessage(`{"text":"hello"}`),
	}

	env, err := Encode(block)
	if err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}
	if env.Type != TypeBlock {
		t.Fatalf("Encode() type = %q, want %q", env.Type, TypeBlock)
	}

	got, err := env.Decode()
	if err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	decoded, ok := got.(*Block)
	if !ok {
		t.Fatalf("Decode() returned %T, want *Block", got)
	}
	if !decoded.SameContent(block) || decoded.Version != 3 || decoded.BaseVersion != 2 {
		t.Errorf("Decode() = %+v, want %+v", decoded, block)
	}
}

func TestDecodeEntity_UnknownType(t *testing.T) {
	_, err := DecodeEntity("comment", []byte(`{}`))
	if !errors.Is(err, ErrSchemaInvalid) {
		t.Fatalf("DecodeEntity() error = %v, want ErrSchemaInvalid", err)
	}
}

func TestBlock_CloneIsDeep(t *testing.T) {
	b := &Block{Meta: Meta{ID: "b1", WorkspaceID: "ws"}, NoteID: "n1", Content: json.RawMessage(`"a"`)}
	c := b.Clone().(*Block)
	c.Content[1] = 'z'
	if string(b.Content) != `"a"` {
		t.Errorf("Clone() shares content buffer: original now %s", b.Content)
	}
}

func TestSameContent(t *testing.T) {
	a := &Block{NoteID: "n1", Order: 1, Content: json.RawMessage(`{"text": "x"}`)}
	b := &Block{NoteID: "n1", Order: 1, Content: json.RawMessage(`{"text":"x"}`)}
	if !SameContent(a, b) {
		t.Error("SameContent() should ignore JSON whitespace")
	}
	if SameContent(a, &Note{}) {
		t.Error("SameContent() across kinds should be false")
	}
}
