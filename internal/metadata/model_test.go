package metadata

import (
	"testing"
	"time"
)

func TestNewFileRecord(t *testing.T) {
	before := time.Now().Unix()
	rec := NewFileRecord("abc", "u1", "report.txt", "text/plain", 5)

	if rec.ID != "abc" {
		t.Errorf("ID = %v, want abc", rec.ID)
	}
	if rec.UserID != "u1" {
		t.Errorf("UserID = %v, want u1", rec.UserID)
	}
	if rec.Filename != "abc_report.txt" {
		t.Errorf("Filename = %v, want abc_report.txt", rec.Filename)
	}
	if rec.Key != "u1/abc_report.txt" {
		t.Errorf("Key = %v, want u1/abc_report.txt", rec.Key)
	}
	if rec.Meta.Name != rec.Filename {
		t.Errorf("Meta.Name = %v, want %v", rec.Meta.Name, rec.Filename)
	}
	if rec.Meta.Path != "u1" {
		t.Errorf("Meta.Path = %v, want u1", rec.Meta.Path)
	}
	if rec.Meta.ContentType != "text/plain" || rec.Meta.Size != 5 {
		t.Errorf("Meta = %+v, want text/plain of size 5", rec.Meta)
	}
	if rec.CreatedAt < before {
		t.Errorf("CreatedAt = %v, want >= %v", rec.CreatedAt, before)
	}
}

func TestFileRecord_KeyMatchesMeta(t *testing.T) {
	tests := []struct {
		owner, name string
	}{
		{"u1", "report.txt"},
		{"user-42", "archive.tar.gz"},
		{"admin", "with space.pdf"},
	}

	for _, tt := range tests {
		t.Run(tt.owner+"/"+tt.name, func(t *testing.T) {
			rec := NewFileRecord("id", tt.owner, tt.name, "", 0)
			if want := rec.Meta.Path + "/" + rec.Meta.Name; rec.Key != want {
				t.Errorf("Key = %v, want %v", rec.Key, want)
			}
		})
	}
}

func TestFileRecord_OwnedBy(t *testing.T) {
	rec := NewFileRecord("id", "u1", "a.txt", "", 0)

	if !rec.OwnedBy("u1") {
		t.Error("record should be owned by u1")
	}
	if rec.OwnedBy("u2") {
		t.Error("record should not be owned by u2")
	}
}
