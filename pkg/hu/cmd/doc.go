// Package cmd implements the hu command tree.
//
// Every command shares a runtimeState stored in the root command's context.
// Global switches come from flags first and HU_* environment variables
// second; config.yaml is loaded once in PersistentPreRunE.
package cmd
