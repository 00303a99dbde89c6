//go:build tools

// gomobile bind needs golang.org/x/mobile/bind in this module's graph.
package mobile

import _ "golang.org/x/mobile/bind"
