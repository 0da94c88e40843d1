package retry

import (
	"context"

	"github.com/tinytelemetry/errtally/internal/model"
)

type groupStore struct {
	next   model.GroupStore
	policy Policy
}

// WrapGroupStore routes every group store call through policy.
func WrapGroupStore(next model.GroupStore, policy Policy) model.GroupStore {
	return &groupStore{next: next, policy: policy}
}

func (s *groupStore) EnsureHeader(ctx context.Context) error {
	return s.policy.Do(ctx, "groups.EnsureHeader", s.next.EnsureHeader)
}

func (s *groupStore) ReadAll(ctx context.Context) ([][]string, error) {
	var rows [][]string
	err := s.policy.Do(ctx, "groups.ReadAll", func(ctx context.Context) error {
		var err error
		rows, err = s.next.ReadAll(ctx)
		return err
	})
	return rows, err
}

func (s *groupStore) InsertRows(ctx context.Context, rows [][]string) error {
	return s.policy.Do(ctx, "groups.InsertRows", func(ctx context.Context) error {
		return s.next.InsertRows(ctx, rows)
	})
}

func (s *groupStore) UpdateRows(ctx context.Context, updates []model.RowUpdate) error {
	return s.policy.Do(ctx, "groups.UpdateRows", func(ctx context.Context) error {
		return s.next.UpdateRows(ctx, updates)
	})
}

func (s *groupStore) DeleteRow(ctx context.Context, position int) error {
	return s.policy.Do(ctx, "groups.DeleteRow", func(ctx context.Context) error {
		return s.next.DeleteRow(ctx, position)
	})
}

func (s *groupStore) Clear(ctx context.Context) error {
	return s.policy.Do(ctx, "groups.Clear", s.next.Clear)
}

type rawLogStore struct {
	next   model.RawLogStore
	policy Policy
}

// WrapRawLogStore routes every raw log store call through policy.
func WrapRawLogStore(next model.RawLogStore, policy Policy) model.RawLogStore {
	return &rawLogStore{next: next, policy: policy}
}

func (s *rawLogStore) AppendAll(ctx context.Context, entries []model.RawLogEntry) error {
	return s.policy.Do(ctx, "rawlog.AppendAll", func(ctx context.Context) error {
		return s.next.AppendAll(ctx, entries)
	})
}

func (s *rawLogStore) ReadAll(ctx context.Context) ([]model.RawLogEntry, error) {
	var entries []model.RawLogEntry
	err := s.policy.Do(ctx, "rawlog.ReadAll", func(ctx context.Context) error {
		var err error
		entries, err = s.next.ReadAll(ctx)
		return err
	})
	return entries, err
}

func (s *rawLogStore) ReplaceAll(ctx context.Context, entries []model.RawLogEntry) error {
	return s.policy.Do(ctx, "rawlog.ReplaceAll", func(ctx context.Context) error {
		return s.next.ReplaceAll(ctx, entries)
	})
}

func (s *rawLogStore) Clear(ctx context.Context) error {
	return s.policy.Do(ctx, "rawlog.Clear", s.next.Clear)
}

type reportStore struct {
	next   model.ReportStore
	policy Policy
}

// WrapReportStore routes every report store call through policy.
func WrapReportStore(next model.ReportStore, policy Policy) model.ReportStore {
	return &reportStore{next: next, policy: policy}
}

func (s *reportStore) ReplaceRows(ctx context.Context, rows [][]string) error {
	return s.policy.Do(ctx, "report.ReplaceRows", func(ctx context.Context) error {
		return s.next.ReplaceRows(ctx, rows)
	})
}

func (s *reportStore) ReadAll(ctx context.Context) ([][]string, error) {
	var rows [][]string
	err := s.policy.Do(ctx, "report.ReadAll", func(ctx context.Context) error {
		var err error
		rows, err = s.next.ReadAll(ctx)
		return err
	})
	return rows, err
}
