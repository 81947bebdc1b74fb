package processing

import (
	"fmt"
	"os"
	"strconv"
)

// Environment variables set on every worker process.
const (
	EnvChild = "SUITKAISE_PROCESSING_CHILD"
	EnvDepth = "SUITKAISE_PROCESSING_DEPTH"
)

// MaxNestingDepth is the deepest a worker may sit below the top-level
// process. It is fixed.
const MaxNestingDepth = 2

// IsChild reports whether the current process was started as a worker.
func IsChild() bool {
	return os.Getenv(EnvChild) == "1"
}

// currentDepth returns the worker depth of this process, 0 at top level.
func currentDepth() int {
	depth, err := strconv.Atoi(os.Getenv(EnvDepth))
	if err != nil || depth < 0 {
		return 0
	}
	return depth
}

// checkDepth validates that a manager created at depth may spawn workers.
func checkDepth(depth int, sub bool) error {
	if !sub && depth > 0 {
		return newManagerError(ErrCodeNestingDepth, "",
			"a worker must use NewSubManager to spawn workers", nil)
	}
	if depth+1 > MaxNestingDepth {
		return newManagerError(ErrCodeNestingDepth, "",
			fmt.Sprintf("workers may nest at most %d levels, this process is at %d", MaxNestingDepth, depth), nil)
	}
	return nil
}

func childEnv(depth int) []string {
	return []string{
		EnvChild + "=1",
		EnvDepth + "=" + strconv.Itoa(depth+1),
	}
}
