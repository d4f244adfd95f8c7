// Package client provides the two relay client roles: Controller for
// submitting action sequences and consuming results, and Agent for
// executing dispatched actions on a remote machine.
package client
