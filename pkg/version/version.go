// Package version holds kopi-docka's release version, reproduced from the
// original implementation's constants module.
package version

// Version is the kopi-docka release version, embedded in disaster-recovery
// bundles and reported by the CLI's version subcommand.
const Version = "1.0.0"
