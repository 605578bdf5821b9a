package bridge_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/coder/acp-go-sdk"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/spf13/afero"
	"github.com/sst/opencode-sdk-go"
	"github.com/tidwall/gjson"

	"github.com/cjenaro/opencode-acp/internal/bridge"
	"github.com/cjenaro/opencode-acp/internal/gateway"
	"github.com/cjenaro/opencode-acp/internal/stream"
	"github.com/cjenaro/opencode-acp/pkg/types"
)

var _ = Describe("Agent", func() {
	var (
		h   *harness
		ctx context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		h = newHarness(bridge.Options{})
	})

	Describe("before initialize", func() {
		It("rejects session creation", func() {
			_, err := h.agent.NewSession(ctx, acp.NewSessionRequest{Cwd: "/tmp/project"})
			Expect(errors.Is(err, bridge.ErrNotInitialized)).To(BeTrue())
			Expect(h.fake.Calls()).To(BeEmpty())
		})

		It("rejects listing sessions", func() {
			_, err := h.agent.Summaries(ctx, "")
			Expect(errors.Is(err, bridge.ErrNotInitialized)).To(BeTrue())
		})
	})

	Describe("Initialize", func() {
		It("advertises capabilities and the listSessions extension", func() {
			resp, err := h.agent.Initialize(ctx, acp.InitializeRequest{ProtocolVersion: acp.ProtocolVersionNumber})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.AgentCapabilities.LoadSession).To(BeTrue())
			Expect(resp.AgentCapabilities.PromptCapabilities.Image).To(BeTrue())
			Expect(resp.AgentCapabilities.PromptCapabilities.EmbeddedContext).To(BeTrue())
			Expect(resp.AgentCapabilities.McpCapabilities.Http).To(BeTrue())
			Expect(resp.AgentCapabilities.McpCapabilities.Sse).To(BeTrue())

			data, err := json.Marshal(resp)
			Expect(err).NotTo(HaveOccurred())
			Expect(gjson.GetBytes(data, "_meta.opencode.listSessions").Bool()).To(BeTrue())
		})

		It("connects only once", func() {
			calls := 0
			agent, err := bridge.New(func(context.Context) (bridge.Backend, error) {
				calls++
				return h.client, nil
			}, h.rec, bridge.Options{Fs: h.fs})
			Expect(err).NotTo(HaveOccurred())
			defer agent.Close()

			for i := 0; i < 3; i++ {
				_, err := agent.Initialize(ctx, acp.InitializeRequest{ProtocolVersion: acp.ProtocolVersionNumber})
				Expect(err).NotTo(HaveOccurred())
			}
			Expect(calls).To(Equal(1))
		})

		It("reports connection failures", func() {
			agent, err := bridge.New(func(context.Context) (bridge.Backend, error) {
				return nil, fmt.Errorf("%w: connection refused", gateway.ErrBackend)
			}, h.rec, bridge.Options{Fs: h.fs})
			Expect(err).NotTo(HaveOccurred())
			defer agent.Close()

			_, err = agent.Initialize(ctx, acp.InitializeRequest{ProtocolVersion: acp.ProtocolVersionNumber})
			Expect(errors.Is(err, bridge.ErrBackend)).To(BeTrue())
		})
	})

	Describe("Authenticate", func() {
		It("reports that no authentication is needed", func() {
			_, err := h.agent.Authenticate(ctx, acp.AuthenticateRequest{})
			Expect(errors.Is(err, bridge.ErrUnsupported)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("authentication is not required"))
		})
	})

	Describe("NewSession", func() {
		BeforeEach(func() {
			h.initialize()
		})

		It("flattens the provider catalog", func() {
			h.fake.SetProviders(
				opencode.Provider{ID: "openai", Name: "OpenAI", Models: map[string]opencode.Model{"gpt-4o": {Name: "GPT-4o"}}},
				opencode.Provider{ID: "anthropic", Name: "Anthropic", Models: map[string]opencode.Model{
					"claude-sonnet-4": {Name: "Claude Sonnet 4"},
					"claude-haiku":    {Name: "Claude Haiku"},
				}},
			)

			resp := h.newSession("/tmp/project")
			Expect(resp.SessionId).NotTo(BeEmpty())
			Expect(resp.Models).NotTo(BeNil())

			var ids []string
			for _, m := range resp.Models.AvailableModels {
				ids = append(ids, string(m.ModelId))
			}
			Expect(ids).To(Equal([]string{"anthropic/claude-haiku", "anthropic/claude-sonnet-4", "openai/gpt-4o"}))
			Expect(string(resp.Models.CurrentModelId)).To(Equal("anthropic/claude-haiku"))
			Expect(*resp.Models.AvailableModels[0].Description).To(Equal("Anthropic"))
		})

		It("prefers the configured model", func() {
			h = newHarness(bridge.Options{DefaultModel: "openai/gpt-4o"})
			h.initialize()
			h.fake.SetProviders(
				opencode.Provider{ID: "anthropic", Models: map[string]opencode.Model{"claude": {Name: "Claude"}}},
				opencode.Provider{ID: "openai", Models: map[string]opencode.Model{"gpt-4o": {Name: "GPT-4o"}}},
			)

			resp := h.newSession("/tmp/project")
			Expect(string(resp.Models.CurrentModelId)).To(Equal("openai/gpt-4o"))
		})

		It("falls back to the default model when the catalog fails", func() {
			h.fake.Fail("GET /config/providers", http.StatusInternalServerError)

			resp := h.newSession("/tmp/project")
			Expect(resp.Models.AvailableModels).To(HaveLen(1))
			Expect(string(resp.Models.AvailableModels[0].ModelId)).To(Equal(bridge.DefaultModelID))
			Expect(resp.Models.AvailableModels[0].Name).To(Equal("Default"))
			Expect(string(resp.Models.CurrentModelId)).To(Equal(bridge.DefaultModelID))
		})

		It("offers the three modes, starting in default", func() {
			resp := h.newSession("/tmp/project")
			Expect(resp.Modes).NotTo(BeNil())
			Expect(string(resp.Modes.CurrentModeId)).To(Equal("default"))

			var ids []string
			for _, m := range resp.Modes.AvailableModes {
				ids = append(ids, string(m.Id))
			}
			Expect(ids).To(Equal([]string{"default", "acceptEdits", "plan"}))
		})

		It("creates the backend session in the working directory", func() {
			resp := h.newSession("/tmp/project")

			calls := h.fake.CallsTo("POST /session")
			Expect(calls).To(HaveLen(1))
			Expect(calls[0].Query.Get("directory")).To(Equal("/tmp/project"))
			Expect(gjson.GetBytes(calls[0].Body, "title").String()).To(HavePrefix("ACP Session "))
			Expect(h.agent.Sessions().Exists(string(resp.SessionId))).To(BeTrue())
		})

		It("requires a working directory", func() {
			_, err := h.agent.NewSession(ctx, acp.NewSessionRequest{Cwd: "  "})
			Expect(bridge.IsInvalidArgument(err)).To(BeTrue())
			Expect(h.fake.CallsTo("POST /session")).To(BeEmpty())
		})

		It("advertises commands and the current mode", func() {
			resp := h.newSession("/tmp/project")

			Eventually(func() []recorded { return h.rec.of("available_commands_update") }).
				WithTimeout(2 * time.Second).Should(HaveLen(1))
			cmds := h.rec.of("available_commands_update")[0].update.Get("availableCommands.#.name")
			Expect(cmds.String()).To(ContainSubstring("init"))
			Expect(cmds.String()).To(ContainSubstring("compact"))
			Expect(cmds.String()).To(ContainSubstring("review"))

			Eventually(func() []recorded { return h.rec.of("current_mode_update") }).
				WithTimeout(2 * time.Second).Should(HaveLen(1))
			Expect(h.rec.of("current_mode_update")[0].update.Get("currentModeId").String()).To(Equal("default"))
			Expect(resp.SessionId).NotTo(BeEmpty())
		})

		It("forwards MCP servers to the backend", func() {
			_, err := h.agent.NewSession(ctx, acp.NewSessionRequest{
				Cwd: "/tmp/project",
				McpServers: mcpServers(`[
					{"name":"files","command":"mcp-files","args":["--root","/tmp"],"env":[{"name":"DEBUG","value":"1"}]},
					{"type":"http","name":"","url":"https://mcp.example.com","headers":[{"name":"Authorization","value":"Bearer x"}]}
				]`),
			})
			Expect(err).NotTo(HaveOccurred())

			calls := h.fake.CallsTo("POST /mcp")
			Expect(calls).To(HaveLen(2))
			Expect(gjson.GetBytes(calls[0].Body, "name").String()).To(Equal("files"))
			Expect(gjson.GetBytes(calls[0].Body, "type").String()).To(Equal("local"))
			Expect(gjson.GetBytes(calls[0].Body, "command").String()).To(MatchJSON(`["mcp-files","--root","/tmp"]`))
			Expect(gjson.GetBytes(calls[0].Body, "environment.DEBUG").String()).To(Equal("1"))
			Expect(gjson.GetBytes(calls[1].Body, "name").String()).To(Equal("mcp-2"))
			Expect(gjson.GetBytes(calls[1].Body, "type").String()).To(Equal("remote"))
			Expect(gjson.GetBytes(calls[1].Body, "headers.Authorization").String()).To(Equal("Bearer x"))
		})

		It("keeps the session when MCP registration fails", func() {
			h.fake.Fail("POST /mcp", http.StatusInternalServerError)
			resp, err := h.agent.NewSession(ctx, acp.NewSessionRequest{
				Cwd:        "/tmp/project",
				McpServers: mcpServers(`[{"name":"files","command":"mcp-files","args":[],"env":[]}]`),
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(h.agent.Sessions().Exists(string(resp.SessionId))).To(BeTrue())
		})
	})

	Describe("Prompt", func() {
		var sid acp.SessionId

		BeforeEach(func() {
			h.initialize()
			h.fake.SetProviders(opencode.Provider{ID: "anthropic", Models: map[string]opencode.Model{"claude": {Name: "Claude"}}})
			sid = h.newSession("/tmp/project").SessionId
		})

		It("sends the converted prompt with the session model", func() {
			resp, err := h.agent.Prompt(ctx, textPrompt(sid, "Hello world"))
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StopReason).To(Equal(acp.StopReasonEndTurn))

			calls := h.fake.CallsTo("POST /session/{sessionID}/message")
			Expect(calls).To(HaveLen(1))
			Expect(calls[0].Session).To(Equal(string(sid)))
			body := calls[0].Body
			Expect(gjson.GetBytes(body, "parts.#").Int()).To(Equal(int64(1)))
			Expect(gjson.GetBytes(body, "parts.0.type").String()).To(Equal("text"))
			Expect(gjson.GetBytes(body, "parts.0.text").String()).To(Equal("Hello world"))
			Expect(gjson.GetBytes(body, "model.providerID").String()).To(Equal("anthropic"))
			Expect(gjson.GetBytes(body, "model.modelID").String()).To(Equal("claude"))
			Expect(gjson.GetBytes(body, "agent").Exists()).To(BeFalse())
		})

		It("streams deltas in order before the final reply", func() {
			h.fake.SetPromptEvents(
				fmt.Sprintf(`{"type":"text_delta","properties":{"sessionID":%q,"text":"Hel"}}`, sid),
				`{"type":"text_delta","properties":{"sessionID":"ses_other","text":"ignored"}}`,
				fmt.Sprintf(`{"type":"text_delta","properties":{"sessionID":%q,"text":"lo"}}`, sid),
			)

			_, err := h.agent.Prompt(ctx, textPrompt(sid, "Hi"))
			Expect(err).NotTo(HaveOccurred())
			Expect(h.rec.texts("agent_message_chunk")).To(Equal([]string{"Hel", "lo", "Done."}))
		})

		It("reports tool calls from the event feed", func() {
			h.fake.SetPromptEvents(
				fmt.Sprintf(`{"type":"tool_start","properties":{"sessionID":%q,"toolCallId":"call_1","name":"bash","input":{"command":"ls"}}}`, sid),
				fmt.Sprintf(`{"type":"tool_update","properties":{"sessionID":%q,"toolCallId":"call_1","output":"a.go"}}`, sid),
				fmt.Sprintf(`{"type":"tool_complete","properties":{"sessionID":%q,"toolCallId":"call_1","output":"a.go\nb.go"}}`, sid),
			)

			_, err := h.agent.Prompt(ctx, textPrompt(sid, "list files"))
			Expect(err).NotTo(HaveOccurred())

			starts := h.rec.of("tool_call")
			Expect(starts).To(HaveLen(1))
			Expect(starts[0].update.Get("toolCallId").String()).To(Equal("call_1"))
			Expect(starts[0].update.Get("title").String()).To(Equal("bash"))
			Expect(starts[0].update.Get("kind").String()).To(Equal("execute"))
			Expect(starts[0].update.Get("rawInput.command").String()).To(Equal("ls"))

			updates := h.rec.of("tool_call_update")
			Expect(updates).To(HaveLen(2))
			Expect(updates[0].update.Get("status").String()).To(Equal("in_progress"))
			Expect(updates[1].update.Get("status").String()).To(Equal("completed"))
			Expect(updates[1].update.Get("rawOutput").String()).To(Equal("a.go\nb.go"))
		})

		It("translates plan updates", func() {
			h.fake.SetPromptEvents(fmt.Sprintf(`{"type":"plan_update","properties":{"sessionID":%q,"entries":[
				{"id":"1","step":"Read code","status":"completed"},
				{"id":"2","step":"Write fix","status":"in_progress","priority":"high"}]}}`, sid))

			_, err := h.agent.Prompt(ctx, textPrompt(sid, "plan it"))
			Expect(err).NotTo(HaveOccurred())

			plans := h.rec.of("plan")
			Expect(plans).To(HaveLen(1))
			Expect(plans[0].update.Get("entries.#").Int()).To(Equal(int64(2)))
			Expect(plans[0].update.Get("entries.1.content").String()).To(Equal("Write fix"))
			Expect(plans[0].update.Get("entries.1.status").String()).To(Equal("in_progress"))
		})

		It("uses the plan agent in plan mode", func() {
			_, err := h.agent.SetSessionMode(ctx, acp.SetSessionModeRequest{SessionId: sid, ModeId: "plan"})
			Expect(err).NotTo(HaveOccurred())

			_, err = h.agent.Prompt(ctx, textPrompt(sid, "Think first"))
			Expect(err).NotTo(HaveOccurred())

			calls := h.fake.CallsTo("POST /session/{sessionID}/message")
			Expect(calls).To(HaveLen(1))
			Expect(gjson.GetBytes(calls[0].Body, "agent").String()).To(Equal("plan"))
		})

		It("uses the model chosen with SetSessionModel", func() {
			_, err := h.agent.SetSessionModel(ctx, acp.SetSessionModelRequest{SessionId: sid, ModelId: "openai/gpt-4o"})
			Expect(err).NotTo(HaveOccurred())

			_, err = h.agent.Prompt(ctx, textPrompt(sid, "Hi"))
			Expect(err).NotTo(HaveOccurred())

			body := h.fake.CallsTo("POST /session/{sessionID}/message")[0].Body
			Expect(gjson.GetBytes(body, "model.providerID").String()).To(Equal("openai"))
			Expect(gjson.GetBytes(body, "model.modelID").String()).To(Equal("gpt-4o"))
		})

		It("resolves the synthetic model to the fallback", func() {
			_, err := h.agent.SetSessionModel(ctx, acp.SetSessionModelRequest{SessionId: sid, ModelId: bridge.DefaultModelID})
			Expect(err).NotTo(HaveOccurred())

			_, err = h.agent.Prompt(ctx, textPrompt(sid, "Hi"))
			Expect(err).NotTo(HaveOccurred())

			body := h.fake.CallsTo("POST /session/{sessionID}/message")[0].Body
			Expect(gjson.GetBytes(body, "model.providerID").String()).To(Equal("anthropic"))
			Expect(gjson.GetBytes(body, "model.modelID").String()).To(Equal("claude-sonnet-4-20250514"))
		})

		It("fails for an unknown session without calling the backend", func() {
			before := len(h.fake.Calls())
			_, err := h.agent.Prompt(ctx, textPrompt("ses_missing", "Hi"))
			Expect(errors.Is(err, bridge.ErrSessionNotFound)).To(BeTrue())
			Expect(h.fake.Calls()).To(HaveLen(before))
		})

		It("wraps backend failures", func() {
			h.fake.Fail("POST /session/{sessionID}/message", http.StatusInternalServerError)
			_, err := h.agent.Prompt(ctx, textPrompt(sid, "Hi"))
			Expect(errors.Is(err, bridge.ErrBackend)).To(BeTrue())
		})

		It("still prompts when the event feed is unavailable", func() {
			h.fake.Fail("GET /event", http.StatusInternalServerError)
			resp, err := h.agent.Prompt(ctx, textPrompt(sid, "Hi"))
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StopReason).To(Equal(acp.StopReasonEndTurn))
			Expect(h.rec.texts("agent_message_chunk")).To(Equal([]string{"Done."}))
		})

		It("closes its event subscription afterwards", func() {
			_, err := h.agent.Prompt(ctx, textPrompt(sid, "Hi"))
			Expect(err).NotTo(HaveOccurred())
			Eventually(h.fake.Subscribers).WithTimeout(2 * time.Second).Should(BeZero())
		})
	})

	Describe("slash commands", func() {
		var sid acp.SessionId

		BeforeEach(func() {
			h.initialize()
			sid = h.newSession("/tmp/project").SessionId
		})

		It("reports /init progress before calling the backend", func() {
			resp, err := h.agent.Prompt(ctx, textPrompt(sid, "/init"))
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StopReason).To(Equal(acp.StopReasonEndTurn))

			texts := h.rec.texts("agent_message_chunk")
			Expect(texts).To(Equal([]string{
				"Initializing project and creating AGENTS.md...",
				"Project initialized. AGENTS.md has been created.",
			}))

			calls := h.fake.CallsTo("POST /session/{sessionID}/init")
			Expect(calls).To(HaveLen(1))
			progress := h.rec.of("agent_message_chunk")[0]
			Expect(progress.at.Before(calls[0].At)).To(BeTrue())
			Expect(h.fake.CallsTo("POST /session/{sessionID}/message")).To(BeEmpty())
		})

		It("reports /init failures as text", func() {
			h.fake.Fail("POST /session/{sessionID}/init", http.StatusInternalServerError)
			resp, err := h.agent.Prompt(ctx, textPrompt(sid, "/init"))
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StopReason).To(Equal(acp.StopReasonEndTurn))

			texts := h.rec.texts("agent_message_chunk")
			Expect(texts).To(HaveLen(2))
			Expect(texts[1]).To(HavePrefix("Failed to initialize project:"))
		})

		It("compacts with the session model", func() {
			_, err := h.agent.Prompt(ctx, textPrompt(sid, "/compact"))
			Expect(err).NotTo(HaveOccurred())

			calls := h.fake.CallsTo("POST /session/{sessionID}/summarize")
			Expect(calls).To(HaveLen(1))
			Expect(gjson.GetBytes(calls[0].Body, "providerID").String()).NotTo(BeEmpty())
			Expect(h.rec.texts("agent_message_chunk")).To(Equal([]string{"Compacting conversation...", "Conversation compacted."}))
		})

		It("runs /review through the command endpoint", func() {
			h.fake.SetCommandParts(map[string]any{"id": "prt_1", "type": "text", "text": "Looks good."})

			_, err := h.agent.Prompt(ctx, textPrompt(sid, "/review main"))
			Expect(err).NotTo(HaveOccurred())

			calls := h.fake.CallsTo("POST /session/{sessionID}/command")
			Expect(calls).To(HaveLen(1))
			Expect(gjson.GetBytes(calls[0].Body, "command").String()).To(Equal("review"))
			Expect(gjson.GetBytes(calls[0].Body, "arguments").String()).To(Equal("main"))
			Expect(h.rec.texts("agent_message_chunk")).To(Equal([]string{"Looks good."}))
		})

		It("says when a command produced no output", func() {
			_, err := h.agent.Prompt(ctx, textPrompt(sid, "/review"))
			Expect(err).NotTo(HaveOccurred())
			Expect(h.rec.texts("agent_message_chunk")).To(Equal([]string{"/review finished with no output."}))
		})

		It("suggests a close match for unknown commands", func() {
			_, err := h.agent.Prompt(ctx, textPrompt(sid, "/reviw"))
			Expect(err).NotTo(HaveOccurred())

			texts := h.rec.texts("agent_message_chunk")
			Expect(texts).To(HaveLen(1))
			Expect(texts[0]).To(ContainSubstring("Unknown command /reviw."))
			Expect(texts[0]).To(ContainSubstring("Did you mean /review?"))
			Expect(h.fake.CallsTo("POST /session/{sessionID}/command")).To(BeEmpty())
		})

		It("runs project commands from the command directory", func() {
			Expect(afero.WriteFile(h.fs, "/tmp/other/.opencode/command/test.md",
				[]byte("---\ndescription: Run tests\n---\nRun the tests for $ARGUMENTS\n"), 0o644)).To(Succeed())
			other := h.newSession("/tmp/other").SessionId

			_, err := h.agent.Prompt(ctx, textPrompt(other, "/test ./..."))
			Expect(err).NotTo(HaveOccurred())

			calls := h.fake.CallsTo("POST /session/{sessionID}/command")
			Expect(calls).To(HaveLen(1))
			Expect(gjson.GetBytes(calls[0].Body, "command").String()).To(Equal("test"))
			Expect(gjson.GetBytes(calls[0].Body, "arguments").String()).To(Equal("./..."))
		})
	})

	Describe("SetSessionMode", func() {
		var sid acp.SessionId

		BeforeEach(func() {
			h.initialize()
			sid = h.newSession("/tmp/project").SessionId
		})

		It("rejects an invalid mode", func() {
			_, err := h.agent.SetSessionMode(ctx, acp.SetSessionModeRequest{SessionId: sid, ModeId: "yolo"})
			Expect(bridge.IsInvalidArgument(err)).To(BeTrue())
			Expect(errors.Is(err, bridge.ErrInvalidArgument)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("default, acceptEdits, plan"))

			s, err := h.agent.Sessions().Get(string(sid))
			Expect(err).NotTo(HaveOccurred())
			Expect(string(s.Mode)).To(Equal("default"))
		})

		It("confirms the new mode to the client", func() {
			_, err := h.agent.SetSessionMode(ctx, acp.SetSessionModeRequest{SessionId: sid, ModeId: "acceptEdits"})
			Expect(err).NotTo(HaveOccurred())

			Eventually(h.rec.modes).WithTimeout(2 * time.Second).Should(ContainElement("acceptEdits"))
		})

		It("does not let a late advertisement undo a mode change", func() {
			release := h.rec.holdCommands()
			DeferCleanup(release)
			other := h.newSession("/tmp/other").SessionId
			modes := func() []string { return h.rec.modesOf(other) }

			_, err := h.agent.SetSessionMode(ctx, acp.SetSessionModeRequest{SessionId: other, ModeId: "plan"})
			Expect(err).NotTo(HaveOccurred())
			Expect(modes()).To(Equal([]string{"plan"}))

			release()
			Eventually(modes).WithTimeout(2 * time.Second).Should(HaveLen(2))
			Consistently(modes).WithTimeout(200 * time.Millisecond).Should(Equal([]string{"plan", "plan"}))
		})

		It("fails for an unknown session", func() {
			_, err := h.agent.SetSessionMode(ctx, acp.SetSessionModeRequest{SessionId: "ses_missing", ModeId: "plan"})
			Expect(errors.Is(err, bridge.ErrSessionNotFound)).To(BeTrue())
		})
	})

	Describe("Cancel", func() {
		It("is idempotent and aborts the backend", func() {
			h.initialize()
			sid := h.newSession("/tmp/project").SessionId

			Expect(h.agent.Cancel(ctx, acp.CancelNotification{SessionId: sid})).To(Succeed())
			Expect(h.agent.Cancel(ctx, acp.CancelNotification{SessionId: sid})).To(Succeed())

			s, err := h.agent.Sessions().Get(string(sid))
			Expect(err).NotTo(HaveOccurred())
			Expect(s.Cancelled).To(BeTrue())
			Expect(h.fake.CallsTo("POST /session/{sessionID}/abort")).NotTo(BeEmpty())
		})

		It("tolerates abort failures", func() {
			h.initialize()
			sid := h.newSession("/tmp/project").SessionId
			h.fake.Fail("POST /session/{sessionID}/abort", http.StatusInternalServerError)

			Expect(h.agent.Cancel(ctx, acp.CancelNotification{SessionId: sid})).To(Succeed())
		})

		It("fails for an unknown session", func() {
			err := h.agent.Cancel(ctx, acp.CancelNotification{SessionId: "ses_missing"})
			Expect(errors.Is(err, bridge.ErrSessionNotFound)).To(BeTrue())
		})

		It("ends an in-flight prompt as cancelled", func() {
			backend := &blockingBackend{
				Client:  h.client,
				started: make(chan struct{}),
				release: make(chan struct{}),
			}
			agent, err := bridge.New(bridge.StaticBackend(backend), h.rec, bridge.Options{Fs: h.fs})
			Expect(err).NotTo(HaveOccurred())
			defer agent.Close()

			_, err = agent.Initialize(ctx, acp.InitializeRequest{ProtocolVersion: acp.ProtocolVersionNumber})
			Expect(err).NotTo(HaveOccurred())
			resp, err := agent.NewSession(ctx, acp.NewSessionRequest{Cwd: "/tmp/project"})
			Expect(err).NotTo(HaveOccurred())

			type outcome struct {
				resp acp.PromptResponse
				err  error
			}
			done := make(chan outcome, 1)
			go func() {
				r, err := agent.Prompt(ctx, textPrompt(resp.SessionId, "long task"))
				done <- outcome{r, err}
			}()

			Eventually(backend.started).WithTimeout(2 * time.Second).Should(BeClosed())
			Expect(agent.Cancel(ctx, acp.CancelNotification{SessionId: resp.SessionId})).To(Succeed())
			close(backend.release)

			var got outcome
			Eventually(done).WithTimeout(2 * time.Second).Should(Receive(&got))
			Expect(got.err).NotTo(HaveOccurred())
			Expect(got.resp.StopReason).To(Equal(acp.StopReasonCancelled))
		})
	})

	Describe("LoadSession", func() {
		BeforeEach(func() {
			h.initialize()
		})

		It("replays history before responding", func() {
			h.fake.AddSession(
				opencode.Session{ID: "ses_old", Directory: "/tmp/project", Title: "Old"},
				`{"info":{"id":"msg_1","sessionID":"ses_old","role":"user","time":{"created":1}},"parts":[{"id":"p1","sessionID":"ses_old","messageID":"msg_1","type":"text","text":"hi"}]}`,
				`{"info":{"id":"msg_2","sessionID":"ses_old","role":"assistant","time":{"created":2}},"parts":[{"id":"p2","sessionID":"ses_old","messageID":"msg_2","type":"reasoning","text":"thinking"},{"id":"p3","sessionID":"ses_old","messageID":"msg_2","type":"text","text":"hello"}]}`,
			)

			resp, err := h.agent.LoadSession(ctx, acp.LoadSessionRequest{SessionId: "ses_old", Cwd: "/tmp/project", McpServers: []acp.McpServer{}})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Modes).NotTo(BeNil())
			Expect(resp.Models).NotTo(BeNil())

			Expect(h.rec.texts("user_message_chunk")).To(Equal([]string{"hi"}))
			Expect(h.rec.texts("agent_thought_chunk")).To(Equal([]string{"thinking"}))
			Expect(h.rec.texts("agent_message_chunk")).To(Equal([]string{"hello"}))
			Expect(h.agent.Sessions().Exists("ses_old")).To(BeTrue())
		})

		It("requires a working directory", func() {
			_, err := h.agent.LoadSession(ctx, acp.LoadSessionRequest{SessionId: "ses_old"})
			Expect(bridge.IsInvalidArgument(err)).To(BeTrue())
			Expect(h.fake.CallsTo("GET /session/{sessionID}")).To(BeEmpty())
		})

		It("fails for a session the backend does not know", func() {
			_, err := h.agent.LoadSession(ctx, acp.LoadSessionRequest{SessionId: "ses_missing", Cwd: "/tmp/project"})
			Expect(errors.Is(err, bridge.ErrBackend)).To(BeTrue())
			Expect(h.agent.Sessions().Exists("ses_missing")).To(BeFalse())
		})
	})

	Describe("listSessions", func() {
		BeforeEach(func() {
			h.initialize()
			h.fake.AddSession(opencode.Session{ID: "ses_a", Directory: "/tmp/a", Title: "First", Time: opencode.SessionTime{Created: 1000, Updated: 2000}})
			h.fake.AddSession(opencode.Session{ID: "ses_b", Directory: "/tmp/b", Time: opencode.SessionTime{Created: 1500, Updated: 5000}})
			h.fake.AddSession(opencode.Session{ID: "ses_c", Directory: "/tmp/a", Title: "Third", Time: opencode.SessionTime{Created: 3000}})
		})

		It("lists newest first with default titles", func() {
			list, err := h.agent.Summaries(ctx, "")
			Expect(err).NotTo(HaveOccurred())
			Expect(list).To(HaveLen(3))
			Expect(list[0].ID).To(Equal("ses_b"))
			Expect(list[0].Title).To(Equal("Untitled Session"))
			Expect(list[1].ID).To(Equal("ses_c"))
			Expect(list[2].ID).To(Equal("ses_a"))
			Expect(list[2].CreatedAt).To(Equal(time.UnixMilli(1000).UTC().Format(time.RFC3339)))
		})

		It("filters by working directory", func() {
			result, err := h.agent.ListSessions(ctx, json.RawMessage(`{"cwd":"/tmp/a"}`))
			Expect(err).NotTo(HaveOccurred())

			data, err := json.Marshal(result)
			Expect(err).NotTo(HaveOccurred())
			Expect(gjson.GetBytes(data, "sessions.#.id").String()).To(MatchJSON(`["ses_c","ses_a"]`))
		})

		It("rejects malformed parameters", func() {
			_, err := h.agent.ListSessions(ctx, json.RawMessage(`{"cwd":`))
			Expect(bridge.IsInvalidArgument(err)).To(BeTrue())
			Expect(errors.Is(err, stream.ErrInvalidParams)).To(BeTrue())
		})

		It("answers malformed parameters with invalid params on the wire", func() {
			input := `{"jsonrpc":"2.0","id":7,"method":"listSessions","params":{"cwd":42}}` + "\n"
			var out bytes.Buffer
			stdio := stream.New(strings.NewReader(input), &out)
			stdio.Handle("listSessions", h.agent.ListSessions)
			go io.Copy(io.Discard, stdio.Reader())
			Expect(stdio.Run(ctx)).To(Succeed())

			Expect(gjson.Get(out.String(), "id").Int()).To(Equal(int64(7)))
			Expect(gjson.Get(out.String(), "error.code").Int()).To(Equal(int64(stream.CodeInvalidParams)))
		})
	})
})

// blockingBackend holds prompts until released, then fails them the way an
// aborted request does.
type blockingBackend struct {
	*gateway.Client
	started chan struct{}
	release chan struct{}
}

func (b *blockingBackend) Prompt(ctx context.Context, id string, in gateway.PromptInput) (*types.MessageWithParts, error) {
	close(b.started)
	<-b.release
	return nil, fmt.Errorf("%w: request aborted", gateway.ErrBackend)
}

func mcpServers(raw string) []acp.McpServer {
	var servers []acp.McpServer
	Expect(json.Unmarshal([]byte(raw), &servers)).To(Succeed())
	return servers
}
