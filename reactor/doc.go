// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor provides the readiness multiplexer behind the event loop:
// an epoll(7) implementation on Linux and a stub elsewhere.
package reactor
