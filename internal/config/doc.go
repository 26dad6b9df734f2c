// Package config loads node properties and cluster descriptions.
//
// Properties are flat settings read once at construction: defaults, an
// optional properties file and CONSTELLATION_ environment variables, in
// increasing precedence. The cluster description is a CUE file listing the
// executor configurations of a node and, for distributed runs, the address of
// every node.
package config
