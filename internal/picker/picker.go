// Package picker wraps fzf's library interface for interactive selection of
// an agent or message when no exact flag was given.
package picker

import (
	"fmt"

	fzf "github.com/junegunn/fzf/src"

	"github.com/overstory/overstory/internal/errs"
)

// Pick runs an interactive fuzzy finder over items and returns the selected
// line. Returns a validation error when the user aborts or nothing matches.
func Pick(items []string, prompt string) (string, error) {
	if len(items) == 0 {
		return "", fmt.Errorf("%w: nothing to pick from", errs.ErrValidation)
	}

	opts, err := fzf.ParseOptions(true, []string{
		"--height=40%",
		"--layout=reverse",
		"--prompt=" + prompt,
	})
	if err != nil {
		return "", fmt.Errorf("%w: fzf options: %v", errs.ErrValidation, err)
	}

	input := make(chan string, len(items))
	for _, item := range items {
		input <- item
	}
	close(input)
	opts.Input = input

	output := make(chan string, 1)
	opts.Output = output

	code, err := fzf.Run(opts)
	if err != nil {
		return "", fmt.Errorf("%w: fzf: %v", errs.ErrValidation, err)
	}
	if code != fzf.ExitOk {
		return "", fmt.Errorf("%w: selection aborted", errs.ErrValidation)
	}

	select {
	case selected := <-output:
		return selected, nil
	default:
		return "", fmt.Errorf("%w: nothing selected", errs.ErrValidation)
	}
}
