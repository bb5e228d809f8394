//go:build !verify

package torch_loader

const defaultVerifyShards = false
