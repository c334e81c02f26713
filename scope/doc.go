// Package scope maps OAuth scopes to the tools they grant and evaluates
// tool access for issued tokens. Access is deny-by-default: a tool is
// callable only if some granted scope names it, directly or through a
// wildcard pattern.
package scope
