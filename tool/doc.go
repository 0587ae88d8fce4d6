/*
Package tool defines the local function handlers an assistant can request
through tool calls, and the registry the dispatcher resolves them from.

A handler is a plain Go function. Its signature is analyzed through
reflection to generate the JSON schema the provider advertises, and the
dispatcher maps the provider's raw JSON arguments onto the function's
parameters positionally.

Handlers are registered once at startup. Registration rejects empty and
duplicate names so that misconfiguration is caught before the first run,
not when the provider requests the call.

Example:

	reg := tool.NewRegistry()
	err := reg.Register(tool.Must(
		func(location string) string { return lookupWeather(location) },
		tool.Name("get_weather"),
		tool.Description("Current weather for a location"),
		tool.Parameters("location"),
	))
*/
package tool
