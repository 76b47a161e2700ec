package reflection

// defaultExtractionPrompt asks the model for candidate memory events as a
// JSON array. The dialogue window is appended below it.
const defaultExtractionPrompt = `You are a memory extraction assistant. Read the conversation below and extract the facts, preferences, goals, opinions, and relationships worth remembering about the user long-term.

Rules:
- Each event is one self-contained statement about the user, in third person.
- event_type is one of: FACT, PREFERENCE, GOAL, OPINION, RELATIONSHIP, OTHER.
- Skip small talk, transient context, and anything already implied by another event.
- If nothing is worth remembering, return an empty array.

Respond with ONLY a JSON array, no prose:
[{"content": "...", "event_type": "FACT"}]

Conversation:
`

// defaultEvaluationPrompt asks the model to score extracted events. The
// numbered event list is appended below it.
const defaultEvaluationPrompt = `You are a memory importance scorer. For each numbered event below, assign an importance score between 0.0 and 1.0. Durable facts and strong preferences score high; incidental details score low.

Respond with ONLY a JSON object mapping event ids to scores, no prose:
{"scores": {"e1": 0.8, "e2": 0.3}}

Events:
`
