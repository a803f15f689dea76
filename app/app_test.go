package app

import "testing"

func TestAgentEnv(t *testing.T) {
	t.Setenv("HOME", "/home/agent")
	t.Setenv("PATH", "/usr/bin:/bin")
	t.Setenv("LANG", "en_US.UTF-8")
	t.Setenv("GITHUB_TOKEN", "ghp_test")
	t.Setenv("SOME_UNRELATED_SECRET", "leakme")

	env := agentEnv()

	for key, want := range map[string]string{
		"HOME":         "/home/agent",
		"PATH":         "/usr/bin:/bin",
		"LANG":         "en_US.UTF-8",
		"GITHUB_TOKEN": "ghp_test",
		"TERM":         "xterm-256color",
	} {
		if env[key] != want {
			t.Errorf("env[%q] = %q, want %q", key, env[key], want)
		}
	}

	if _, ok := env["SOME_UNRELATED_SECRET"]; ok {
		t.Error("variable outside the allowlist was forwarded to the agent")
	}
}

func TestAgentEnvSkipsUnsetKeys(t *testing.T) {
	t.Setenv("LC_ALL", "")

	env := agentEnv()
	if _, ok := env["LC_ALL"]; ok {
		t.Error("unset variable produced an empty entry")
	}
}
