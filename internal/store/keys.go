package store

import (
	"strings"

	"github.com/tasklytic/tasklytic/internal/schema"
)

// Key layout:
//
//	entity/<type>/<id>               entity JSON (tombstones included)
//	index/parent/<noteID>/<blockID>  blocks of a note
//	index/workspace/<ws>/<noteID>    notes of a workspace
//	conflict/<id>                    conflict log
//	cursor/<ws>                      pull cursor
func entityKey(k schema.Key) []byte {
	return []byte("entity/" + string(k.Type) + "/" + k.ID)
}

func parentPrefix(noteID string) []byte {
	return []byte("index/parent/" + noteID + "/")
}

func parentKey(noteID, blockID string) []byte {
	return append(parentPrefix(noteID), blockID...)
}

func workspacePrefix(ws string) []byte {
	return []byte("index/workspace/" + ws + "/")
}

func workspaceKey(ws, noteID string) []byte {
	return append(workspacePrefix(ws), noteID...)
}

func lastSegment(key []byte) string {
	s := string(key)
	return s[strings.LastIndexByte(s, '/')+1:]
}

var conflictPrefix = []byte("conflict/")

func cursorKey(ws string) []byte {
	return []byte("cursor/" + ws)
}
