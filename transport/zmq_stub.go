//go:build !zmq

package transport

import "errors"

var errNoZMQ = errors.New("transport: zmq support not built in, rebuild with -tags zmq")

func listenZMQ(string, string, Options) (Router, error) { return nil, errNoZMQ }

func dialZMQ(string, string, Options) (Conn, error) { return nil, errNoZMQ }
