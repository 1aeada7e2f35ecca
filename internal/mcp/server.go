package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"comchat/backend/internal/services"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

type Server struct {
	mcpServer *server.MCPServer
	chatbot   *services.ChatbotService
	workflows *services.WorkflowEngine
}

func NewServer(chatbot *services.ChatbotService, workflows *services.WorkflowEngine) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"ComChat",
			"1.0.0",
			server.WithToolCapabilities(true),
		),
		chatbot:   chatbot,
		workflows: workflows,
	}

	s.registerTools()
	return s
}

func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"send_message",
			mcp.WithDescription("Send a chat message through the message pipeline"),
			mcp.WithString("tenant_slug", mcp.Required(), mcp.Description("Tenant slug")),
			mcp.WithString("channel", mcp.Required(), mcp.Description("Channel the message arrived through")),
			mcp.WithString("channel_user_id", mcp.Required(), mcp.Description("Channel-level user identifier")),
			mcp.WithString("message", mcp.Required(), mcp.Description("The message text")),
			mcp.WithString("conversation_id", mcp.Description("Existing conversation to continue")),
		),
		s.handleSendMessage,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"execute_workflow",
			mcp.WithDescription("Execute a workflow and return its result"),
			mcp.WithString("workflow_id", mcp.Required(), mcp.Description("The workflow to execute")),
			mcp.WithString("tenant_id", mcp.Required(), mcp.Description("Owning tenant id")),
			mcp.WithString("context", mcp.Description("JSON object of context variables")),
		),
		s.handleExecuteWorkflow,
	)
}

func (s *Server) handleSendMessage(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	params := services.ProcessMessageParams{}
	if params.TenantSlug, ok = args["tenant_slug"].(string); !ok || params.TenantSlug == "" {
		return mcp.NewToolResultError("Missing required parameter: tenant_slug"), nil
	}
	if params.Channel, ok = args["channel"].(string); !ok || params.Channel == "" {
		return mcp.NewToolResultError("Missing required parameter: channel"), nil
	}
	if params.ChannelUserID, ok = args["channel_user_id"].(string); !ok || params.ChannelUserID == "" {
		return mcp.NewToolResultError("Missing required parameter: channel_user_id"), nil
	}
	if params.Message, ok = args["message"].(string); !ok || params.Message == "" {
		return mcp.NewToolResultError("Missing required parameter: message"), nil
	}
	params.ConversationID, _ = args["conversation_id"].(string)

	result, err := s.chatbot.ProcessMessage(ctx, params)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to process message: %v", err)), nil
	}

	jsonBytes, _ := json.Marshal(result)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleExecuteWorkflow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	workflowID, ok := args["workflow_id"].(string)
	if !ok || workflowID == "" {
		return mcp.NewToolResultError("Missing required parameter: workflow_id"), nil
	}
	tenantID, ok := args["tenant_id"].(string)
	if !ok || tenantID == "" {
		return mcp.NewToolResultError("Missing required parameter: tenant_id"), nil
	}

	var callerContext map[string]interface{}
	if raw, ok := args["context"].(string); ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &callerContext); err != nil {
			return mcp.NewToolResultError("Invalid context: must be a JSON object"), nil
		}
	}

	result, err := s.workflows.ExecuteWorkflow(ctx, workflowID, tenantID, callerContext, services.ExecuteOptions{})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to execute workflow: %v", err)), nil
	}

	jsonBytes, _ := json.Marshal(result)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func MountHTTPHandlers(mux *http.ServeMux, mcpServer *server.MCPServer) {
	// Use SSE server for /mcp/sse and /mcp/message endpoints
	sseServer := server.NewSSEServer(mcpServer, server.WithStaticBasePath("/mcp"))

	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		// Direct POST for tool calls
		if r.Method == http.MethodPost {
			sseServer.ServeHTTP(w, r)
			return
		}
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})

	// SSE endpoints
	mux.HandleFunc("/mcp/sse", sseServer.ServeHTTP)
	mux.HandleFunc("/mcp/message", sseServer.ServeHTTP)
}
