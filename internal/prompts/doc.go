// Package prompts contains the prompt templates Scout sends to models.
//
// Prompt text is Go code rather than config files because it is program
// logic: templates use fmt.Sprintf interpolation and can be validated by
// tests. Each prompt category gets its own file with an exported function
// that accepts the dynamic parts and returns the interpolated prompt.
package prompts
