package tlogserver

import (
	"fmt"
	"os/exec"
	"time"

	"github.com/google/uuid"

	"github.com/chn0318/tlogd/commit"
	"github.com/chn0318/tlogd/peek"
	"github.com/chn0318/tlogd/wire"
)

// execHandler applies the operator coordination pseudo-mutations carried
// in a flagged commit batch before the batch itself commits:
// disable_tlog_pop enters ignore-pops mode until a deadline,
// enable_tlog_pop leaves it and replays the deferred pops, and snap
// invokes the out-of-process snapshot helper.
func (s *Server) execHandler(peekSvc *peek.Service) commit.ExecHandler {
	return func(req commit.Request) error {
		for _, m := range req.Messages {
			op, isExec, err := wire.DecodeExecOp(m.Data)
			if err != nil {
				return err
			}
			if !isExec {
				continue
			}
			switch op.Kind {
			case wire.ExecDisablePop:
				peekSvc.SetIgnorePops(op.UID, time.Unix(0, op.DeadlineUnix))
			case wire.ExecEnablePop:
				if err := peekSvc.EnablePops(op.UID); err != nil {
					return err
				}
			case wire.ExecSnap:
				if err := s.runSnapHelper(op.UID); err != nil {
					return err
				}
			}
		}
		return nil
	}
}

// runSnapHelper spawns the configured external snapshot binary with
// role=tlog; the helper's own success or failure is reported through its
// exit status, watched in the background so the commit carrying the snap
// op isn't held up by it.
func (s *Server) runSnapHelper(uid uuid.UUID) error {
	if s.Config.SnapCommand == "" {
		return fmt.Errorf("tlogserver: snap %s requested but no snap-command configured", uid)
	}
	cmd := exec.Command(s.Config.SnapCommand, "--role", "tlog", "--uid", uid.String())
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("tlogserver: starting snap helper: %w", err)
	}
	go func() {
		if err := cmd.Wait(); err != nil {
			s.logf("tlogserver: snap helper for %s: %v", uid, err)
		}
	}()
	return nil
}
