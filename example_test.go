package pkiwatch_test

import (
	"crypto/tls"
	"log"
	"net/http"

	"github.com/sufield/pkiwatch"
)

// ExampleStart serves HTTPS with whichever certificate the watcher holds
// for the requested server name. Rotations on disk, in the cluster or
// from SPIRE take effect on the next handshake.
func ExampleStart() {
	w, shutdown, err := pkiwatch.Start("pkiwatch.yaml")
	if err != nil {
		log.Fatal(err)
	}
	defer func() {
		if err := shutdown(); err != nil {
			log.Printf("Shutdown error: %v", err)
		}
	}()

	srv := &http.Server{
		Addr:      ":8443",
		TLSConfig: &tls.Config{GetCertificate: w.GetCertificate, MinVersion: tls.VersionTLS12},
	}
	log.Fatal(srv.ListenAndServeTLS("", ""))
}

// ExampleWatcher_Subscribe logs every merged version.
func ExampleWatcher_Subscribe() {
	cfg := pkiwatch.DefaultConfig()
	cfg.Sources.File = &pkiwatch.FileSection{Path: "/etc/tls/bundle.pem"}

	w, err := pkiwatch.New(cfg)
	if err != nil {
		log.Fatal(err)
	}
	w.Subscribe(func(version uint64) {
		for _, id := range w.Identities() {
			log.Printf("v%d %s valid=%t", version, id.ServerName, id.Valid)
		}
	})
}
