// compileinfoprint is imported by the mriflow commands for the side effect of
// logging their build information at startup.
package compileinfoprint

import "github.com/carbocation/mriflow/compileinfo"

func init() {
	compileinfo.Log()
}
