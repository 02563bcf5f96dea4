// Package conductor is a semantic orchestration engine for conversational
// agents in Go.
//
// It combines four building blocks behind small interfaces:
//
//   - a semantic Router that ranks external tool providers against an
//     utterance using vector similarity over capability descriptions,
//   - an episodic memory Engine that stores permanent and auto-expiring
//     facts and recalls them through several concurrent semantic
//     perspectives,
//   - a Gateway that owns one long-lived subprocess per tool provider and
//     correlates framed request/response traffic over its stdio,
//   - an Orchestrator that drives each conversational turn through an
//     explicit state machine (route, recall, plan, act, draft, critique)
//     and never releases a response that has not passed a critic review.
//
// External services are abstracted as CompletionProvider, EmbeddingProvider,
// and VectorStore. Implementations live in provider/ and store/; the mcp
// package carries the JSON-RPC 2.0 stdio protocol shared by the Gateway and
// by provider processes written in Go.
package conductor
