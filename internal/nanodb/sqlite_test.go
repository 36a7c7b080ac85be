package nanodb

import (
	"context"
	"path/filepath"
	"testing"
)

func openSQLiteTestCollection(t *testing.T) *SQLiteCollection[testDoc] {
	t.Helper()
	db, err := OpenSQLiteDatabase(filepath.Join(t.TempDir(), "nanodb_test.db"))
	if err != nil {
		t.Fatalf("OpenSQLiteDatabase failed: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	col, err := OpenSQLiteCollection[testDoc](db, "docs")
	if err != nil {
		t.Fatalf("OpenSQLiteCollection failed: %v", err)
	}
	return col
}

func TestSQLiteInsertFindDelete(t *testing.T) {
	col := openSQLiteTestCollection(t)
	ctx := context.Background()

	for _, doc := range []testDoc{
		{ID: "a", Kind: "message", Offset: 0},
		{ID: "b", Kind: "status", Offset: 1},
	} {
		if _, err := col.InsertOne(ctx, doc); err != nil {
			t.Fatalf("InsertOne failed: %v", err)
		}
	}

	docs, err := col.Find(ctx, nil)
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if len(docs) != 2 || docs[0].ID != "a" || docs[1].ID != "b" {
		t.Fatalf("expected [a b] in insertion order, got %v", docs)
	}

	docs, err = col.Find(ctx, Comparison{Path: "kind", Op: OpEq, Value: "status"})
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if len(docs) != 1 || docs[0].ID != "b" {
		t.Fatalf("expected only doc b, got %v", docs)
	}

	res, err := col.DeleteOne(ctx, Comparison{Path: "id", Op: OpEq, Value: "a"})
	if err != nil {
		t.Fatalf("DeleteOne failed: %v", err)
	}
	if res.DeletedCount != 1 {
		t.Fatalf("expected one deletion, got %d", res.DeletedCount)
	}

	docs, err = col.Find(ctx, nil)
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if len(docs) != 1 || docs[0].ID != "b" {
		t.Fatalf("expected only doc b to remain, got %v", docs)
	}
}
