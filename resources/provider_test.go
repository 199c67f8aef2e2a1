package resources

import (
	"context"
	"errors"
	"testing"
)

func TestStaticProviderListAndRead(t *testing.T) {
	p := NewStaticProvider(
		TextEntry("memo://a", "a", "text/plain", "alpha"),
		TextEntry("memo://b", "b", "text/plain", "bravo"),
	)

	list, err := p.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].URI != "memo://a" || list[1].URI != "memo://b" {
		t.Fatalf("list order: %+v", list)
	}

	contents, err := p.Read(context.Background(), "memo://b")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(contents) != 1 || contents[0].Text != "bravo" {
		t.Fatalf("contents: %+v", contents)
	}

	if _, err := p.Read(context.Background(), "memo://c"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestStaticProviderUpsert(t *testing.T) {
	p := NewStaticProvider(TextEntry("memo://a", "a", "text/plain", "v1"))
	p.Upsert(TextEntry("memo://a", "a", "text/plain", "v2"))
	p.Upsert(TextEntry("memo://z", "z", "text/plain", "new"))

	list, err := p.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	// Replacement keeps position, new entries append.
	if len(list) != 2 || list[0].URI != "memo://a" || list[1].URI != "memo://z" {
		t.Fatalf("list: %+v", list)
	}

	contents, err := p.Read(context.Background(), "memo://a")
	if err != nil || contents[0].Text != "v2" {
		t.Fatalf("upsert not visible: %+v err=%v", contents, err)
	}
}

func TestSetRoutesToFirstClaimingProvider(t *testing.T) {
	first := NewStaticProvider(TextEntry("memo://shared", "shared", "text/plain", "from first"))
	second := NewStaticProvider(
		TextEntry("memo://shared", "shared", "text/plain", "from second"),
		TextEntry("memo://only", "only", "text/plain", "second only"),
	)
	set := NewSet(first, second)

	contents, err := set.Read(context.Background(), "memo://shared")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if contents[0].Text != "from first" {
		t.Fatalf("routing order: %q", contents[0].Text)
	}

	contents, err = set.Read(context.Background(), "memo://only")
	if err != nil || contents[0].Text != "second only" {
		t.Fatalf("fallthrough: %+v err=%v", contents, err)
	}
}

func TestSetListConcatenates(t *testing.T) {
	set := NewSet(
		NewStaticProvider(TextEntry("memo://a", "a", "text/plain", "1")),
	)
	set.Add(NewStaticProvider(TextEntry("memo://b", "b", "text/plain", "2")))

	list, err := set.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].URI != "memo://a" || list[1].URI != "memo://b" {
		t.Fatalf("list: %+v", list)
	}
}

func TestSetUnclaimedURI(t *testing.T) {
	set := NewSet(NewStaticProvider())
	if _, err := set.Read(context.Background(), "memo://nowhere"); !errors.Is(err, ErrNoProvider) {
		t.Fatalf("want ErrNoProvider, got %v", err)
	}
}

func TestSetWatchNoWatchersBlocksUntilCancel(t *testing.T) {
	set := NewSet(NewStaticProvider())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := set.Watch(ctx, func(uri string) {}); !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
}
