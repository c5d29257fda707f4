package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/cretz/bine/tor"
	"github.com/cretz/bine/torutil"
	tued25519 "github.com/cretz/bine/torutil/ed25519"
	"github.com/sirupsen/logrus"

	"github.com/veildrop/veildrop/store"
)

// Store key holding the PEM encoded onion service key.
const onionKey = "onionkey"

// torConfig represents the Tor config structure.
type torConfig struct {
	// Path to the tor binary. Looked up in PATH if empty.
	ExePath string `koanf:"exe_path"`

	// Directory for tor's data dir. A temp dir if empty.
	DataDir string `koanf:"data_dir"`

	PublishTimeout time.Duration `koanf:"publish_timeout"`
	Debug          bool          `koanf:"debug"`
}

// getOrCreatePK loads the onion service key from the store, generating and
// saving one on first use so that the .onion address is stable.
func getOrCreatePK(st store.Store) (ed25519.PrivateKey, error) {
	d, err := st.Get(onionKey)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if len(d) > 0 {
		return decodePK(d)
	}

	_, pk, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	b, err := encodePK(pk)
	if err != nil {
		return nil, err
	}
	if err := st.Set(onionKey, b); err != nil {
		return nil, err
	}
	return pk, nil
}

func encodePK(pk ed25519.PrivateKey) ([]byte, error) {
	b, err := x509.MarshalPKCS8PrivateKey(pk)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "ED25519 PRIVATE KEY", Bytes: b}), nil
}

func decodePK(d []byte) (ed25519.PrivateKey, error) {
	block, _ := pem.Decode(d)
	if block == nil {
		return nil, errors.New("invalid onion key PEM")
	}
	k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	pk, ok := k.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("invalid key type %T wanted ed25519.PrivateKey", k)
	}
	return pk, nil
}

type torServer struct {
	cfg     torConfig
	Handler http.Handler

	// PrivateKey is the onion service's ed25519 key.
	PrivateKey ed25519.PrivateKey
}

func onionAddr(pk ed25519.PrivateKey) string {
	return torutil.OnionServiceIDFromV3PublicKey(tued25519.PublicKey([]byte(pk.Public().(ed25519.PublicKey))))
}

// Serve starts tor, publishes the onion service on port 80 and serves HTTP on
// it. It blocks until the service stops.
func (ts *torServer) Serve(ln net.Listener) error {
	conf := &tor.StartConf{
		ExePath:         ts.cfg.ExePath,
		DataDir:         ts.cfg.DataDir,
		NoHush:          ts.cfg.Debug,
		EnableNetwork:   true,
		TempDataDirBase: os.TempDir(),
	}
	if ts.cfg.Debug {
		conf.DebugWriter = logger.WriterLevel(logrus.DebugLevel)
	}

	t, err := tor.Start(context.Background(), conf)
	if err != nil {
		return fmt.Errorf("unable to start Tor: %v", err)
	}
	defer t.Close()

	timeout := ts.cfg.PublishTimeout
	if timeout <= 0 {
		timeout = 3 * time.Minute
	}

	// Wait at most a few minutes to publish the service.
	listenCtx, listenCancel := context.WithTimeout(context.Background(), timeout)
	defer listenCancel()

	onion, err := t.Listen(listenCtx, &tor.ListenConf{LocalListener: ln, Key: ts.PrivateKey, Version3: true, RemotePorts: []int{80}})
	if err != nil {
		return fmt.Errorf("unable to create onion service: %v", err)
	}
	defer onion.Close()

	return http.Serve(onion, ts.Handler)
}
