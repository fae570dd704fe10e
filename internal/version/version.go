// Package version is set at link time:
//
//	-ldflags "-X github.com/sxwxbxr/nxrthstack-sub004/internal/version.Version=v1.2.3"
package version

var (
	Version = "dev"
	Commit  = "none"
)
