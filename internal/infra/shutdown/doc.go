// Package shutdown runs cleanup hooks when the process is asked to stop.
//
//	h := shutdown.NewHandler(10*time.Second, logger)
//	h.OnShutdown("node", n.Shutdown)
//	err := h.Wait(ctx) // SIGINT, SIGTERM or ctx done
package shutdown
