// Package client talks to a running pkgd over its socket.
//
//	cli, err := client.New("unix:///run/pkgd.sock")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	ev, err := cli.SubmitAndWait(ctx, func(ctx context.Context) (string, error) {
//	    return cli.InstallPackage(ctx, "vim")
//	})
//	if err == nil && !ev.Succeeded() {
//	    log.Printf("install failed: %s", ev.Error)
//	}
//
// Submitting calls return as soon as pkgd has queued the command; the result
// arrives later as an api.CommandFinished event on the Events stream.
package client
