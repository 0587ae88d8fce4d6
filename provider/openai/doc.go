// Package openai adapts the OpenAI Assistants API to the provider
// contract.
//
// Requests go through the SDK's typed parameter builders; responses and
// stream events are read from their raw JSON instead of the SDK's union
// accessors, so an upstream payload this build does not model is degraded
// to an unknown event rather than a decode failure.
package openai
