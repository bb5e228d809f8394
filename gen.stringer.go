//go:build stringer

//go:generate go run golang.org/x/tools/cmd/stringer -linecomment -type ElementType -output zz_generated.elementtype.stringer.go -trimprefix ElementType
//go:generate go run golang.org/x/tools/cmd/stringer -linecomment -type LoadTransform -output zz_generated.loadtransform.stringer.go -trimprefix LoadTransform
//go:generate go run golang.org/x/tools/cmd/stringer -linecomment -type TensorLayout -output zz_generated.tensorlayout.stringer.go -trimprefix TensorLayout
//go:generate go run golang.org/x/tools/cmd/stringer -linecomment -type BufferUsage -output zz_generated.bufferusage.stringer.go -trimprefix BufferUsage
//go:generate go run golang.org/x/tools/cmd/stringer -linecomment -type MergeTactic -output zz_generated.mergetactic.stringer.go -trimprefix MergeTactic
package torch_loader

import _ "golang.org/x/tools/cmd/stringer"
