// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cliapp

import (
	"fmt"

	"github.com/AlecAivazis/survey/v2"
)

// Confirm asks a yes/no question via survey.Confirm when stdout is a
// TTY, returning def unchanged in any non-interactive context (piped
// output, NO_COLOR, CI) rather than blocking on stdin.
func Confirm(message string, def bool) (bool, error) {
	if !IsTTY() {
		return def, nil
	}
	var result bool
	prompt := &survey.Confirm{Message: message, Default: def}
	if err := survey.AskOne(prompt, &result); err != nil {
		return def, fmt.Errorf("cliapp: confirm prompt: %w", err)
	}
	return result, nil
}
