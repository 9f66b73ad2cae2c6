package bot

import (
	"fmt"
	"strings"

	"finbot/internal/aggregation"
	"finbot/internal/core"
)

const dateLayout = "2006-01-02 15:04:05"

const welcomeText = "Welcome to the finance bot! 💰\n\n" +
	"I will help you keep track of your income and expenses. Here is what I can do:\n\n" +
	"• Record income and expenses\n" +
	"• Show your balance and per-category statistics\n" +
	"• Show your recent history\n\n" +
	"Use /export for a CSV of all transactions and /chart for an expense chart.\n\n" +
	"Choose an action:"

func kindTitle(k core.Kind) string {
	if k == core.Income {
		return "Income"
	}
	return "Expense"
}

func kindEmoji(k core.Kind) string {
	if k == core.Income {
		return "📥"
	}
	return "📤"
}

func formatCommitted(tx core.Transaction) string {
	description := tx.Description
	if description == "" {
		description = "none"
	}
	return fmt.Sprintf("✅ %s added!\nCategory: %s\nAmount: %s\nDescription: %s",
		kindTitle(tx.Kind), tx.Category, core.FormatAmount(tx.Amount), description)
}

func formatSummary(s aggregation.Summary) string {
	return fmt.Sprintf("💰 YOUR BALANCE\n\n"+
		"Current balance: %s\n"+
		"Total income: %s\n"+
		"Total expenses: %s\n"+
		"Transactions: %d",
		core.FormatAmount(s.Balance),
		core.FormatAmount(s.TotalIncome),
		core.FormatAmount(s.TotalExpense),
		s.Count)
}

func formatStatistics(totals []aggregation.CategoryTotal) string {
	var b strings.Builder
	b.WriteString("📊 EXPENSE STATISTICS:\n\n")
	for _, t := range totals {
		fmt.Fprintf(&b, "• %s: %s\n", t.Category, core.FormatAmount(t.Total))
	}
	return b.String()
}

// formatHistory expects txs newest first.
func formatHistory(txs []core.Transaction) string {
	var b strings.Builder
	b.WriteString("📋 RECENT TRANSACTIONS:\n\n")
	for _, tx := range txs {
		fmt.Fprintf(&b, "%s %s\n", kindEmoji(tx.Kind), strings.ToUpper(tx.Kind.String()))
		fmt.Fprintf(&b, "   Category: %s\n", tx.Category)
		fmt.Fprintf(&b, "   Amount: %s\n", core.FormatAmount(tx.Amount))
		fmt.Fprintf(&b, "   Date: %s\n", tx.CreatedAt.Local().Format(dateLayout))
		if tx.Description != "" {
			fmt.Fprintf(&b, "   Description: %s\n", tx.Description)
		}
		b.WriteString("\n")
	}
	return b.String()
}
