package agent

import "stageline/internal/domain"

// Claude drives the Claude Code CLI.
type Claude struct{}

func (Claude) Manifest() Manifest {
	return Manifest{Name: "claude", Provider: "anthropic", DefaultModel: "claude-sonnet-4-5"}
}

func (c Claude) BuildStageCommand(stage, model, prompt string) []Candidate {
	model = modelOr(model, c.Manifest().DefaultModel)
	permission := []string{"--dangerously-skip-permissions"}
	if stage == domain.StagePlan {
		permission = []string{"--permission-mode", "plan"}
	}
	current := withModel([]string{"--print", "--output-format", "text"}, "--model", model)
	current = append(current, permission...)
	legacy := withModel([]string{"-p", prompt}, "--model", model)
	legacy = append(legacy, "--dangerously-skip-permissions")
	return []Candidate{
		{Executable: "claude", Args: current, Stdin: prompt},
		{Executable: "claude", Args: legacy},
	}
}

// Codex drives the OpenAI Codex CLI.
type Codex struct{}

func (Codex) Manifest() Manifest {
	return Manifest{Name: "codex", Provider: "openai", DefaultModel: "gpt-5-codex"}
}

func (c Codex) BuildStageCommand(stage, model, prompt string) []Candidate {
	model = modelOr(model, c.Manifest().DefaultModel)
	sandbox := "workspace-write"
	if stage == domain.StagePlan {
		sandbox = "read-only"
	}
	current := []string{"exec", "--skip-git-repo-check", "-c", `approval_policy="never"`, "--sandbox", sandbox}
	current = append(withModel(current, "--model", model), "-")
	previous := append(withModel([]string{"exec", "--full-auto"}, "--model", model), prompt)
	quiet := append(withModel([]string{"-q", "--approval-mode", "full-auto"}, "--model", model), prompt)
	return []Candidate{
		{Executable: "codex", Args: current, Stdin: prompt},
		{Executable: "codex", Args: previous},
		{Executable: "codex", Args: quiet},
	}
}

// Gemini drives the Gemini CLI.
type Gemini struct{}

func (Gemini) Manifest() Manifest {
	return Manifest{Name: "gemini", Provider: "google", DefaultModel: "gemini-2.5-pro"}
}

func (g Gemini) BuildStageCommand(stage, model, prompt string) []Candidate {
	model = modelOr(model, g.Manifest().DefaultModel)
	approval := "yolo"
	if stage == domain.StagePlan {
		approval = "default"
	}
	current := append(withModel(nil, "--model", model), "--approval-mode", approval, "--prompt", prompt)
	legacy := append(withModel(nil, "-m", model), "--yolo", "-p", prompt)
	return []Candidate{
		{Executable: "gemini", Args: current},
		{Executable: "gemini", Args: legacy},
	}
}

// Copilot drives the GitHub Copilot CLI, which only accepts a browser-completed
// device session.
type Copilot struct{}

func (Copilot) Manifest() Manifest {
	return Manifest{Name: "copilot", Provider: "github", RequiresBrowserOAuth: true}
}

func (Copilot) BuildStageCommand(stage, model, prompt string) []Candidate {
	args := withModel([]string{"-p", prompt, "--allow-all-tools", "--silent"}, "--model", model)
	if stage != domain.StagePlan {
		args = append(args, "--allow-all-paths")
	}
	return []Candidate{
		{Executable: "copilot", Args: args},
		{Executable: "gh", Args: []string{"copilot", "-p", prompt, "--allow-all-tools"}},
	}
}
