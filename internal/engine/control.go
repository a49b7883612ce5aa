package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"asv8/pkg/types"
)

// ControlState is a point-in-time read of the operator flags in system_config.
type ControlState struct {
	HaltTrading   bool
	EmergencyExit bool
	FetchedAt     time.Time
	Values        map[string]string
}

// refreshControl reloads system_config and swaps the lock-free snapshot.
// A failed read keeps the previous snapshot in force, so a database blip
// cannot silently clear a halt.
func (e *Engine) refreshControl(ctx context.Context) *ControlState {
	values, err := e.store.AllSystemConfig(ctx)
	if err != nil {
		e.logger.Error("system config read failed", "error", err)
		return e.controlState()
	}
	st := &ControlState{
		HaltTrading:   values[types.ConfigHaltTrading] == "true",
		EmergencyExit: values[types.ConfigEmergencyExit] == "true",
		FetchedAt:     e.clk.Now(),
		Values:        values,
	}
	e.control.Store(st)
	return st
}

// controlState returns the last snapshot, never nil.
func (e *Engine) controlState() *ControlState {
	if st := e.control.Load(); st != nil {
		return st
	}
	return &ControlState{}
}

// runControl drains the operator command queue and refreshes the config
// snapshot between ticks, so halts land within the poll interval instead of
// waiting for the next bar.
func (e *Engine) runControl() {
	e.controlPass()

	ticker := time.NewTicker(e.cfg.Schedule.ControlPoll())
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.controlPass()
		}
	}
}

// controlPass budgets one drain-and-refresh cycle. The budget matches the
// tick budget because CLOSE_POSITION runs a full exit, confirm included.
func (e *Engine) controlPass() {
	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.Schedule.TickBudget())
	defer cancel()
	e.drainCommands(ctx)
	e.refreshControl(ctx)
}

// drainCommands claims queued commands one at a time until the queue is
// empty. Claims mark the row PROCESSED up front; a semantic failure
// downgrades it to ERROR so operators see the outcome either way.
func (e *Engine) drainCommands(ctx context.Context) {
	for {
		cmd, err := e.store.ClaimNextCommand(ctx)
		if err != nil {
			e.logger.Error("command claim failed", "error", err)
			return
		}
		if cmd == nil {
			return
		}
		if err := e.applyCommand(ctx, cmd); err != nil {
			e.logger.Error("command failed",
				"command", cmd.Command, "command_id", cmd.ID, "error", err)
			if ferr := e.store.FailCommand(ctx, cmd.ID); ferr != nil {
				e.logger.Error("command status downgrade failed", "command_id", cmd.ID, "error", ferr)
			}
		}
	}
}

func (e *Engine) applyCommand(ctx context.Context, cmd *types.ControlCommand) error {
	log := e.logger.With(
		"command", cmd.Command, "command_id", cmd.ID,
		"actor", cmd.Actor, "trace_id", cmd.TraceID)
	log.Info("applying operator command")

	reason := cmd.Reason
	if reason == "" {
		reason = "operator command"
	}

	switch cmd.Command {
	case types.CommandHalt:
		if err := e.store.WriteSystemConfig(ctx, types.ConfigHaltTrading, "true",
			cmd.Actor, cmd.TraceID, types.ReasonAdminHalt, reason); err != nil {
			return err
		}
		e.refreshControl(ctx)
		e.notifier.SendSystemAlert(ctx, string(types.ReasonAdminHalt), cmd.TraceID, map[string]string{
			"actor":  cmd.Actor,
			"reason": reason,
		})
		return nil

	case types.CommandResume:
		// RESUME clears the trading halt only. The emergency-exit flag is a
		// one-way latch the operator clears via SET_CONFIG after verifying
		// the book is flat.
		if err := e.store.WriteSystemConfig(ctx, types.ConfigHaltTrading, "false",
			cmd.Actor, cmd.TraceID, types.ReasonAdminResume, reason); err != nil {
			return err
		}
		e.refreshControl(ctx)
		e.notifier.SendSystemAlert(ctx, string(types.ReasonAdminResume), cmd.TraceID, map[string]string{
			"actor": cmd.Actor,
		})
		return nil

	case types.CommandEmergencyExit:
		if err := e.store.WriteSystemConfig(ctx, types.ConfigEmergencyExit, "true",
			cmd.Actor, cmd.TraceID, types.ReasonEmergencyExit, reason); err != nil {
			return err
		}
		if err := e.store.WriteSystemConfig(ctx, types.ConfigHaltTrading, "true",
			cmd.Actor, cmd.TraceID, types.ReasonEmergencyExit, reason); err != nil {
			return err
		}
		ctrl := e.refreshControl(ctx)
		e.notifier.SendSystemAlert(ctx, string(types.ReasonEmergencyExit), cmd.TraceID, map[string]string{
			"actor":  cmd.Actor,
			"reason": reason,
		})
		// Flatten now rather than waiting for the next bar.
		e.managePositions(ctx, cmd.TraceID, ctrl)
		return nil

	case types.CommandSetConfig:
		var p struct {
			Key   string `json:"key"`
			Value string `json:"value"`
		}
		if err := json.Unmarshal(cmd.PayloadJSON, &p); err != nil {
			return fmt.Errorf("set config payload: %w", err)
		}
		if p.Key == "" {
			return fmt.Errorf("set config: empty key")
		}
		if err := e.store.WriteSystemConfig(ctx, p.Key, p.Value,
			cmd.Actor, cmd.TraceID, types.ReasonAdminUpdateConfig, reason); err != nil {
			return err
		}
		e.refreshControl(ctx)
		return nil

	case types.CommandClosePosition:
		var p struct {
			Symbol string `json:"symbol"`
		}
		if err := json.Unmarshal(cmd.PayloadJSON, &p); err != nil {
			return fmt.Errorf("close position payload: %w", err)
		}
		t, err := e.store.OpenTrade(ctx, p.Symbol)
		if err != nil {
			return err
		}
		if t == nil {
			log.Warn("close position: no open trade", "symbol", p.Symbol)
			return nil
		}
		if mark, err := e.markPrice(ctx, t.Symbol); err == nil {
			e.exch.ObserveMark(t.Symbol, mark)
		}
		return e.exitPosition(ctx, t, types.ReasonManualClose, reason, cmd.TraceID)

	default:
		return fmt.Errorf("unknown command %q", cmd.Command)
	}
}
