// Package supervisor owns the lifecycle of every printer session.
//
// Each configured printer gets its own goroutine that runs a session, and
// when the session ends because the connection dropped, waits and starts a
// fresh one. Sessions that fail for credential reasons are parked in
// PhaseStopped until Restart is called, since retrying cannot fix them.
//
// Restart cancels the running session and waits for it to return before the
// next one starts. A session closes its transport, and with it its
// subscription, before Run returns, so a printer never has two live
// subscriptions.
//
// Example usage:
//
//	sup := supervisor.New(factory, supervisor.Options{Config: cfg.Supervisor})
//	if err := sup.StartAll(ctx, cfg.Printers); err != nil {
//	    return err
//	}
//	defer sup.Shutdown(context.Background())
package supervisor
