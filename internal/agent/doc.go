// Package agent abstracts the agent under evaluation behind the Decider
// interface. ScriptedDecider replays the plan verbatim; LangChainDecider
// delegates each turn to a langchaingo model.
package agent
