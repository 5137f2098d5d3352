package api

import (
	"context"
	"time"

	"go.uber.org/multierr"
	"google.golang.org/protobuf/types/known/structpb"
)

type taskView struct {
	Task       string `json:"task"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Reconcile runs a reconcile pass now, or joins the one in flight. Task
// failures are reported in the body; they do not fail the call.
func (s *Service) Reconcile(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	report, err := s.Reconciler.RunShared(ctx)
	if report == nil {
		return nil, err
	}
	tasks := make([]taskView, 0, len(report.Results))
	for _, res := range report.Results {
		v := taskView{Task: res.Task, DurationMs: res.Duration.Milliseconds()}
		if res.Err != nil {
			v.Error = res.Err.Error()
		}
		tasks = append(tasks, v)
	}
	return toStruct(map[string]any{
		"tasks":       tasks,
		"failed":      report.Failed(),
		"duration_ms": report.Duration.Milliseconds(),
	})
}

// Status reports the daemon state and a few counters.
func (s *Service) Status(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	resp := map[string]any{
		"session":   s.SessionName,
		"state":     string(s.Machine.Current()),
		"since":     s.Machine.Since().UnixMilli(),
		"uptime_ms": time.Since(s.startedAt).Milliseconds(),
	}
	if s.DB == nil {
		return toStruct(resp)
	}
	if p, err := s.DB.GetProfile(); err == nil && p != nil {
		resp["client_id"] = p.ClientID
		resp["name"] = p.Name
	}
	if cs, err := s.DB.ListConnections(); err == nil {
		resp["connections"] = len(cs)
	}
	if pending, err := s.DB.ListPending(); err == nil {
		resp["pending"] = len(pending)
	}
	if n, err := s.DB.UnreadTotal(); err == nil {
		resp["unread"] = n
	}
	if n := s.Bus.Dropped(); n > 0 {
		resp["events_dropped"] = n
	}
	if s.Reconciler != nil {
		if last, err := s.Reconciler.LastRun(); err == nil && !last.IsZero() {
			resp["last_reconcile"] = last.UnixMilli()
		}
	}
	return toStruct(resp)
}

// ExportBackup writes a password protected backup into the backup
// directory and returns its path.
func (s *Service) ExportBackup(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	password, err := argsOf(req).required("password")
	if err != nil {
		return nil, err
	}
	path, err := s.Backup.ExportToDir(password)
	if err != nil {
		return nil, err
	}
	return toStruct(map[string]any{"path": path})
}

// ImportBackup merges a backup file into the store.
func (s *Service) ImportBackup(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	a := argsOf(req)
	path, err := a.required("path")
	if err != nil {
		return nil, err
	}
	password, err := a.required("password")
	if err != nil {
		return nil, err
	}
	if err := s.Backup.ImportFile(path, password); err != nil {
		return nil, err
	}
	return toStruct(map[string]any{"imported": path})
}

// WipeAccount deletes the relay account and every local trace of it. It
// needs "confirm" set. Steps that failed are listed in the body.
func (s *Service) WipeAccount(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if !argsOf(req).boolean("confirm") {
		return nil, failedPrecondition("wipe needs confirm=true")
	}
	errs := []string{}
	for _, err := range multierr.Errors(s.Wiper.Wipe(ctx)) {
		errs = append(errs, err.Error())
	}
	return toStruct(map[string]any{"errors": errs})
}
