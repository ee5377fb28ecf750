// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package config

import (
	"fmt"
	"os"

	"github.com/creachadair/cqrpc"
	"github.com/creachadair/cqrpc/transport"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"
)

// ServerOptions returns the server options described by c. If TLS is
// enabled, it reads the certificate files and reports an error naming any
// file it cannot read.
func (c *Config) ServerOptions(log logr.Logger) (cqrpc.Options, error) {
	opts := cqrpc.Options{
		Name:                c.Server.Name,
		Port:                c.Server.Port,
		LocalhostOnly:       c.Server.LocalhostOnly,
		NumThreads:          c.Server.NumThreads,
		KeepaliveTime:       c.Keepalive.Time,
		KeepaliveTimeout:    c.Keepalive.Timeout,
		ClientKeepaliveTime: c.Keepalive.ClientTime,
		MaxMessageSize:      c.Server.MaxMessageSize,
		WriteBufferSize:     c.Server.WriteBufferSize,
		MaxBacklog:          c.Server.MaxBacklog,
		Compression:         c.Server.Compression,
		Logger:              log,
	}
	if c.Server.ClusterID != "" {
		id, err := uuid.Parse(c.Server.ClusterID)
		if err != nil {
			return cqrpc.Options{}, fmt.Errorf("invalid cluster ID: %w", err)
		}
		opts.ClusterID = id
	}
	if c.TLS.Enabled {
		var pem [3][]byte
		for i, path := range []string{c.TLS.CACert, c.TLS.ServerCert, c.TLS.ServerKey} {
			data, err := os.ReadFile(path)
			if err != nil {
				return cqrpc.Options{}, fmt.Errorf("read TLS file: %w", err)
			}
			pem[i] = data
		}
		cfg, err := transport.ServerTLSConfig(pem[0], pem[1], pem[2])
		if err != nil {
			return cqrpc.Options{}, err
		}
		opts.TLS = cfg
	}
	return opts, nil
}

// ServiceOptions decodes the settings for the named service into out, which
// must be a pointer to a struct or map. Durations may be written as strings
// such as "5s". If c has no settings for the service, out is not modified.
func (c *Config) ServiceOptions(name string, out any) error {
	sec, ok := c.Services[name]
	if !ok {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(sec); err != nil {
		return fmt.Errorf("service %q: %w", name, err)
	}
	return nil
}
