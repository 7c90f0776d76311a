package tutor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/concord-consortium/guide-server/internal/catalog"
	"github.com/concord-consortium/guide-server/internal/concepts"
	"github.com/concord-consortium/guide-server/internal/genetics"
	"github.com/concord-consortium/guide-server/internal/i18n"
	"github.com/concord-consortium/guide-server/internal/model"
	"github.com/concord-consortium/guide-server/internal/rules"
)

// ConceptFeedbackID is the dialog id of matrix hints.
const ConceptFeedbackID = "ITS.CONCEPT.FEEDBACK"

// Dialog variants per event kind. An empty id is a silent pick.
var (
	greetingVariants  = []string{"ITS.HELLO.1", "ITS.HELLO.2", "ITS.HELLO.3"}
	challengeVariants = []string{"ITS.CHALLENGE.INTRO.1", "ITS.CHALLENGE.INTRO.2", "ITS.CHALLENGE.INTRO.3"}
	alleleVariants    = []string{
		"ITS.ALLELE.FEEDBACK.1",
		"ITS.ALLELE.FEEDBACK.2",
		"ITS.ALLELE.FEEDBACK.3",
		"ITS.ALLELE.FEEDBACK.4",
		"",
		"",
	}
)

func (t *Tutor) pick(ctx context.Context, variants []string, args map[string]string) *model.Dialog {
	id := variants[t.intn(len(variants))]
	if id == "" {
		return nil
	}
	return &model.Dialog{ID: id, Text: i18n.T(ctx, id), Args: args}
}

func (t *Tutor) handleSessionStarted(ctx context.Context, st *model.Student, sess *model.Session, ev model.Event) (*model.Dialog, error) {
	st.TotalSessions++
	st.LastSignIn = t.eventTime(ev)
	if g := ev.ContextString("group"); g != "" {
		sess.GroupID = g
	}
	return t.pick(ctx, greetingVariants, map[string]string{"username": ev.Username}), nil
}

func (t *Tutor) handleSessionEnded(_ context.Context, _ *model.Student, sess *model.Session, ev model.Event) (*model.Dialog, error) {
	sess.End(t.eventTime(ev))
	return nil, nil
}

func (t *Tutor) handleChallengeNavigated(ctx context.Context, _ *model.Student, _ *model.Session, ev model.Event) (*model.Dialog, error) {
	return t.pick(ctx, challengeVariants, map[string]string{
		"case":      ev.ContextString("case"),
		"challenge": ev.ContextString("challenge"),
	}), nil
}

func (t *Tutor) handleAlleleChanged(ctx context.Context, _ *model.Student, _ *model.Session, _ model.Event) (*model.Dialog, error) {
	return t.pick(ctx, alleleVariants, nil), nil
}

// submission is the context of a SUBMITTED/ORGANISM event.
type submission struct {
	GuideID         string   `json:"guideId" validate:"required"`
	EditableGenes   []string `json:"editableGenes" validate:"required,min=1,dive,required"`
	Species         string   `json:"species" validate:"required"`
	InitialAlleles  string   `json:"initialAlleles" validate:"required"`
	SelectedAlleles string   `json:"selectedAlleles" validate:"required"`
	TargetAlleles   string   `json:"targetAlleles" validate:"required"`
	TargetSex       any      `json:"targetSex"`
	Correct         *bool    `json:"correct" validate:"required"`
}

func (t *Tutor) decodeSubmission(ev model.Event) (*submission, genetics.Sex, error) {
	raw, err := json.Marshal(ev.Context)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrBadSubmission, err)
	}
	var sub submission
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrBadSubmission, err)
	}
	if err := t.validate.Struct(sub); err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrBadSubmission, err)
	}
	if sub.TargetSex == nil {
		return nil, 0, fmt.Errorf("%w: missing targetSex", ErrBadSubmission)
	}
	name, err := t.adapter.SexToString(sub.TargetSex)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrBadSubmission, err)
	}
	sex, err := genetics.SexFromString(name)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrBadSubmission, err)
	}
	return &sub, sex, nil
}

func (t *Tutor) handleOrganismSubmitted(ctx context.Context, st *model.Student, sess *model.Session, ev model.Event) (*model.Dialog, error) {
	sub, sex, err := t.decodeSubmission(ev)
	if err != nil {
		return nil, err
	}

	matrix, err := t.catalog.MatrixFor(ctx, sess.GroupID, sub.GuideID, sub.Species)
	if err != nil {
		return nil, fmt.Errorf("load matrix: %w", err)
	}
	assessment, err := concepts.Assess(matrix, concepts.Submission{
		Species:         sub.Species,
		EditableGenes:   sub.EditableGenes,
		SelectedAlleles: sub.SelectedAlleles,
		TargetAlleles:   sub.TargetAlleles,
		TargetSex:       sex,
	}, t.adapter)
	if err != nil {
		return nil, fmt.Errorf("assess submission: %w", err)
	}
	st.ApplyAdjustments(assessment.Adjustments)

	args := make(map[string]string)
	rs, err := t.catalog.RulesFor(ctx, sess.GroupID, catalog.Tags(ev.Action, ev.Target))
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	best, err := rules.Best(rs, ev.Tree())
	if err != nil {
		return nil, fmt.Errorf("evaluate rules: %w", err)
	}
	if best != nil {
		slog.Debug("rule matched", "rule", best.Name, "weight", best.Weight, "student", st.ID)
		for k, v := range best.Variables {
			args[k] = v
		}
	}

	if *sub.Correct {
		st.ResetAllHintLevels()
		return nil, nil
	}

	conceptID, cs, ok := st.LowestConcept()
	if !ok {
		slog.Warn("student has no concepts", "student", st.ID)
		return nil, nil
	}
	cs.HintLevel++
	text := hintAt(assessment.Hints, cs.HintLevel)
	if text == "" && best != nil {
		text = hintAt(best.Texts, cs.HintLevel)
	}
	if text == "" {
		slog.Warn("no hint available", "student", st.ID, "concept", conceptID, "level", cs.HintLevel)
		return nil, nil
	}

	args["trait"] = t.adapter.DisplayName(assessment.Trait)
	args["concept"] = conceptID
	return &model.Dialog{
		ID:   ConceptFeedbackID,
		Text: text,
		Args: args,
	}, nil
}

// hintAt returns the 1-based level of a hint ladder, or "" when it is missing or blank.
func hintAt(ladder []string, level int) string {
	if level < 1 || level > len(ladder) {
		return ""
	}
	return strings.TrimSpace(ladder[level-1])
}
