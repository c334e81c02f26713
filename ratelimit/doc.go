// Package ratelimit implements fixed-window call budgets for tool execution,
// keyed per client and per client+tool. Windows are aligned to wall-clock
// boundaries; a denied call reports the seconds remaining until the window
// rolls over.
package ratelimit
