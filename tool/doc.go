// Package tool validates tool-call parameters against declared schemas and
// resolves which function on a tool a call should execute. Validation is pure;
// execution goes through the bridge's transport and returns classified errors.
package tool
