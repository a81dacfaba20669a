package main

import (
	"context"
	"time"

	"github.com/golang/glog"

	"collabtext/store"
)

type archive interface {
	Save(ctx context.Context, doc *store.Document) error
}

// snapshotter archives the documents whose version moved since the last pass.
type snapshotter struct {
	store    store.Store
	archive  archive
	archived map[string]int
}

func newSnapshotter(s store.Store, a archive) *snapshotter {
	return &snapshotter{
		store:    s,
		archive:  a,
		archived: map[string]int{},
	}
}

func (s *snapshotter) runOnce(ctx context.Context) (int, error) {
	docs, err := s.store.List(ctx)
	if err != nil {
		return 0, err
	}
	saved := 0
	for _, doc := range docs {
		if v, ok := s.archived[doc.Key()]; ok && doc.Version <= v {
			continue
		}
		if err := s.archive.Save(ctx, doc); err != nil {
			glog.Errorf("[snapshot]%s error = %s\n", doc.Key(), err)
			continue
		}
		s.archived[doc.Key()] = doc.Version
		saved += 1
	}
	return saved, nil
}

func (s *snapshotter) run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if n, err := s.runOnce(ctx); err != nil {
				glog.Errorf("[snapshot]list error = %s\n", err)
			} else if 0 < n {
				glog.Infof("[snapshot]archived %d documents\n", n)
			}
		case <-ctx.Done():
			// last pass so the final edits are archived
			if _, err := s.runOnce(context.Background()); err != nil {
				glog.Errorf("[snapshot]list error = %s\n", err)
			}
			return
		}
	}
}
