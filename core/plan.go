package core

// PlanKind distinguishes the two routing decisions a supervisor can make for
// a user turn.
type PlanKind string

const (
	// PlanDirect means the supervisor answers the user itself without
	// delegating any work.
	PlanDirect PlanKind = "direct"
	// PlanDelegate means the supervisor fans work out to one or more
	// worker agents before answering.
	PlanDelegate PlanKind = "delegate"
)

// Task is a single unit of delegated work inside a plan.
//
// Tasks that share a non-empty Group form a sequential chain: they execute
// one after another in ascending Order, and each later task sees the results
// of the earlier ones. Tasks with an empty Group are independent and may run
// concurrently with everything else.
type Task struct {
	ID          string `json:"id"`
	Worker      string `json:"worker"`
	Instruction string `json:"instruction"`
	Group       string `json:"group,omitempty"`
	Order       int    `json:"order,omitempty"`
}

// Plan is the supervisor's routing decision for one user turn. For
// PlanDirect the Tasks slice is empty and Goal may be blank. For PlanDelegate
// Tasks holds at least one task; their slice order is the declaration order
// used when reporting outcomes.
type Plan struct {
	Kind  PlanKind `json:"kind"`
	Goal  string   `json:"goal,omitempty"`
	Tasks []Task   `json:"tasks,omitempty"`
}

// IsDirect reports whether the plan answers without delegation.
func (p *Plan) IsDirect() bool { return p.Kind == PlanDirect }

// TasksInGroup returns the plan's tasks belonging to the given chain group,
// preserving declaration order.
func (p *Plan) TasksInGroup(group string) []Task {
	var tasks []Task
	for _, t := range p.Tasks {
		if t.Group == group {
			tasks = append(tasks, t)
		}
	}
	return tasks
}

// Groups returns the distinct non-empty chain groups in declaration order of
// their first member.
func (p *Plan) Groups() []string {
	seen := map[string]bool{}
	var groups []string
	for _, t := range p.Tasks {
		if t.Group == "" || seen[t.Group] {
			continue
		}
		seen[t.Group] = true
		groups = append(groups, t.Group)
	}
	return groups
}
