package parser

import (
	"fmt"
	"strings"
	"time"

	"github.com/aluiziolira/rxprice-collector/models"
)

// FlattenResponse turns a detail response into one row per pharmacy. Every
// row repeats the drug and location context of the work item.
func FlattenResponse(resp *DetailResponse, item models.WorkItem, now time.Time) []*models.OutputRow {
	if resp == nil || len(resp.Pharmacies) == 0 {
		return nil
	}

	rows := make([]*models.OutputRow, 0, len(resp.Pharmacies))
	for _, ph := range resp.Pharmacies {
		est := ph.CareEstimateResult
		rows = append(rows, &models.OutputRow{
			Timestamp:                     now,
			State:                         item.Location.State,
			ZipCode:                       item.Location.Zip,
			City:                          item.Location.City,
			Lat:                           item.Location.Lat,
			Lng:                           item.Location.Lng,
			ProcedureCode:                 item.Drug.ProcedureCode,
			DrugName:                      item.Drug.Name,
			DosageForm:                    item.Drug.DosageForm,
			TotalBenefitAmountOrig:        item.Drug.TotalBenefitAmount,
			ClaimCountOrig:                item.Drug.ClaimCount,
			PharmacyName:                  NormalizeText(ph.Name),
			PharmacyPhone:                 NormalizeText(string(ph.Phone)),
			PharmacyAddress:               FormatAddress(ph.Address),
			PharmacyDistance:              float64(ph.Distance),
			PharmacyRate:                  float64(ph.PharmacyRate),
			PriceFairness:                 NormalizeText(string(ph.PriceFairness)),
			ProviderPrice:                 float64(est.ProviderPrice),
			EstimatedMemberResponsibility: float64(est.EstimatedMemberResponsibility),
			EarnedBenefit:                 float64(est.EarnedBenefit),
			AppliedToDeductible:           float64(est.AppliedToDeductible),
			Savings:                       float64(est.Savings),
			BillOverBenefitAmount:         float64(est.BillOverBenefitAmount),
			FacilityBenefitAmount:         float64(resp.FacilityBenefitAmount),
			GSN:                           NormalizeText(string(ph.GSN)),
			NDC:                           NormalizeText(string(ph.NDC)),
			Qty:                           float64(ph.Qty),
		})
	}
	return rows
}

// ValidateRow ensures a row carries the identity and context columns.
func ValidateRow(r *models.OutputRow) error {
	if r == nil {
		return fmt.Errorf("row is nil")
	}
	if strings.TrimSpace(r.ProcedureCode) == "" {
		return fmt.Errorf("row missing procedure code")
	}
	if strings.TrimSpace(r.ZipCode) == "" {
		return fmt.Errorf("row missing zip code for %s", r.ProcedureCode)
	}
	if strings.TrimSpace(r.State) == "" {
		return fmt.Errorf("row missing state for %s_%s", r.ProcedureCode, r.ZipCode)
	}
	if r.Timestamp.IsZero() {
		return fmt.Errorf("row missing timestamp for %s_%s", r.ProcedureCode, r.ZipCode)
	}
	return nil
}

// FormatAddress renders "street, city, state zip".
func FormatAddress(a Address) string {
	return fmt.Sprintf("%s, %s, %s %s",
		NormalizeText(a.Street),
		NormalizeText(a.City),
		NormalizeText(a.State),
		NormalizeText(string(a.Zip)),
	)
}

// NormalizeText collapses internal whitespace and trims the ends.
func NormalizeText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
