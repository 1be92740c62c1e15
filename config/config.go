// Package config loads orchestrator configuration from a source: a JSON
// file for simple deployments, or a Rigel schema on etcd for managed
// ones. The loaded BatchQueueConfig is an explicit value handed to the
// batch manager at construction; nothing reads configuration globally.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/remiges-tech/rigel"
	"github.com/remiges-tech/rigel/etcd"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// Source is a place application configuration can be loaded from.
type Source interface {
	Check() error
	LoadConfig(c any) error
}

// Load verifies the source is usable and then loads the config into c.
func Load(s Source, c any) error {
	if err := s.Check(); err != nil {
		return err
	}
	return s.LoadConfig(c)
}

// File loads configuration from a JSON file.
type File struct {
	Path string
}

func (f *File) Check() error {
	if f.Path == "" {
		return fmt.Errorf("config file path cannot be empty")
	}
	return nil
}

func (f *File) LoadConfig(c any) error {
	fh, err := os.Open(f.Path)
	if err != nil {
		return err
	}
	defer fh.Close()
	return json.NewDecoder(fh).Decode(c)
}

// Rigel loads configuration from a Rigel schema stored on etcd. The
// schema, app, module, version and config selection live on the client.
type Rigel struct {
	Client *rigel.Rigel
}

func (r *Rigel) Check() error {
	if r.Client == nil {
		return fmt.Errorf("rigel client cannot be nil")
	}
	return nil
}

func (r *Rigel) LoadConfig(c any) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.Client.LoadConfig(ctx, c)
}

// NewRigelClient builds a Rigel client over a dedicated etcd connection.
// Callers select the app, module, version and config through the
// client's With* chainers.
func NewRigelClient(etcdEndpoints string) (*rigel.Rigel, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   strings.Split(etcdEndpoints, ","),
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %v", err)
	}
	return rigel.NewWithStorage(&etcd.EtcdStorage{Client: cli}), nil
}

// NewRigelSource connects to the given comma-separated etcd endpoints and
// returns a Rigel source bound to the named app, module, version and
// config.
func NewRigelSource(etcdEndpoints, app, module string, version int, configName string) (*Rigel, error) {
	storage, err := etcd.NewEtcdStorage(strings.Split(etcdEndpoints, ","))
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd storage: %v", err)
	}
	return &Rigel{
		Client: rigel.New(storage, app, module, version, configName),
	}, nil
}
