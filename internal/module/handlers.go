package module

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/accurate-migrator/internal/record"
)

const branchListEndpoint = "/api/branch/list.do"

// transformBankTransfer replaces branchId with the embedded branch name when
// the embedded branch is the one referenced.
func transformBankTransfer(rec record.Record, _ *SharedContext, meta Meta, logger *zap.Logger) {
	branchID, ok := rec["branchId"]
	if !ok || branchID == nil {
		return
	}
	branch, ok := record.AsRecord(rec["branch"])
	if !ok || branch["id"] == nil {
		return
	}
	name, hasName := branch.String("name")
	if record.SameScalar(branchID, branch["id"]) && hasName {
		delete(rec, "branchId")
		rec["branchName"] = name
		return
	}
	logger.Warn("bank transfer branch mismatch",
		zap.Any("item_id", meta.ItemID),
		zap.Any("branch_id", branchID),
		zap.Any("branch_object_id", branch["id"]),
	)
}

// transformJournalVoucher takes the branch name from the first detail line
// whose branch matches the header branchId.
func transformJournalVoucher(rec record.Record, _ *SharedContext, meta Meta, logger *zap.Logger) {
	branchID, ok := rec["branchId"]
	if !ok || branchID == nil {
		return
	}
	lines, _ := record.AsList(rec["detailJournalVoucher"])
	for _, line := range lines {
		detail, ok := record.AsRecord(line)
		if !ok {
			continue
		}
		branch, ok := record.AsRecord(detail["branch"])
		if !ok || !record.SameScalar(branch["id"], branchID) {
			continue
		}
		if name, ok := branch.String("name"); ok {
			delete(rec, "branchId")
			rec["branchName"] = name
			return
		}
	}
	logger.Warn("journal voucher branch not found",
		zap.Any("item_id", meta.ItemID),
		zap.Any("root_branch_id", branchID),
		zap.Int("detail_count", len(lines)),
	)
}

func captureBranches(ctx context.Context, lister Lister, shared *SharedContext, logger *zap.Logger) {
	branches, err := lister.FetchAll(ctx, branchListEndpoint, nil)
	if err != nil {
		logger.Error("branch list pre-capture failed", zap.Error(err))
		return
	}
	byID := make(map[string]record.Record, len(branches))
	for _, b := range branches {
		if key := record.Key(b["id"]); key != "" {
			byID[key] = b
		}
	}
	shared.Branches = byID
}

func transformBranchFromList(rec record.Record, shared *SharedContext, meta Meta, logger *zap.Logger) {
	branchID, ok := rec["branchId"]
	if !ok || branchID == nil || len(shared.Branches) == 0 {
		return
	}
	if branch, found := shared.Branches[record.Key(branchID)]; found {
		if name, ok := branch.String("name"); ok {
			delete(rec, "branchId")
			rec["branchName"] = name
			logger.Debug("branch id replaced by name",
				zap.Any("item_id", meta.ItemID),
				zap.Any("old_branch_id", branchID),
				zap.String("new_branch_name", name),
			)
			return
		}
	}
	known := make([]string, 0, len(shared.Branches))
	for k := range shared.Branches {
		known = append(known, k)
	}
	logger.Warn("branch not found in pre-captured list",
		zap.Any("item_id", meta.ItemID),
		zap.Any("branch_id", branchID),
		zap.Strings("available_branches", known),
	)
}
