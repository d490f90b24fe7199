// Package models defines data structures for the collector.
package models

import (
	"fmt"
	"time"
)

// Drug is one row of the drug list with its resolved care UUID.
type Drug struct {
	ProcedureCode      string `json:"procedure_code"`
	UUID               string `json:"uuid"`
	Name               string `json:"drug_name"`
	DosageForm         string `json:"dosage_form"`
	TotalBenefitAmount string `json:"total_benefit_amount"`
	ClaimCount         string `json:"claim_count"`
}

// ZipLocation is a zip code with the coordinates sent to the pricing API.
type ZipLocation struct {
	State string  `json:"state"`
	Zip   string  `json:"zip"`
	City  string  `json:"city"`
	Lat   float64 `json:"lat"`
	Lng   float64 `json:"lng"`
}

// PairKey identifies a unit of work. Two work items with the same drug code
// and zip code are the same pair regardless of the remaining fields.
type PairKey struct {
	DrugCode string
	ZipCode  string
}

// String renders the key as "<drug>_<zip>", the format stored in progress files.
func (k PairKey) String() string {
	return k.DrugCode + "_" + k.ZipCode
}

// ParsePairKey is the inverse of PairKey.String. Zip codes never contain an
// underscore, so the last separator splits the pair.
func ParsePairKey(s string) (PairKey, error) {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '_' {
			if i == 0 || i == len(s)-1 {
				break
			}
			return PairKey{DrugCode: s[:i], ZipCode: s[i+1:]}, nil
		}
	}
	return PairKey{}, fmt.Errorf("invalid pair key %q", s)
}

// WorkItem is one (drug, location) request.
type WorkItem struct {
	Drug     Drug
	Location ZipLocation
}

// Key returns the pair identity of the work item.
func (w WorkItem) Key() PairKey {
	return PairKey{DrugCode: w.Drug.ProcedureCode, ZipCode: w.Location.Zip}
}

// AuthContext is the bearer token and member identifier sent with every
// request. It is replaced as a whole on refresh.
type AuthContext struct {
	Token      string
	MemberUUID string
}

// Valid reports whether both parts are present.
func (a AuthContext) Valid() bool {
	return a.Token != "" && a.MemberUUID != ""
}

// OutputRow is one pharmacy option for a work item, flattened for CSV.
type OutputRow struct {
	Timestamp                     time.Time `csv:"timestamp" json:"timestamp"`
	State                         string    `csv:"state" json:"state"`
	ZipCode                       string    `csv:"zip_code" json:"zip_code"`
	City                          string    `csv:"city" json:"city"`
	Lat                           float64   `csv:"lat" json:"lat"`
	Lng                           float64   `csv:"lng" json:"lng"`
	ProcedureCode                 string    `csv:"procedure_code" json:"procedure_code"`
	DrugName                      string    `csv:"drug_name" json:"drug_name"`
	DosageForm                    string    `csv:"dosage_form" json:"dosage_form"`
	TotalBenefitAmountOrig        string    `csv:"total_benefit_amount_orig" json:"total_benefit_amount_orig"`
	ClaimCountOrig                string    `csv:"claim_count_orig" json:"claim_count_orig"`
	PharmacyName                  string    `csv:"pharmacy_name" json:"pharmacy_name"`
	PharmacyPhone                 string    `csv:"pharmacy_phone" json:"pharmacy_phone"`
	PharmacyAddress               string    `csv:"pharmacy_address" json:"pharmacy_address"`
	PharmacyDistance              float64   `csv:"pharmacy_distance" json:"pharmacy_distance"`
	PharmacyRate                  float64   `csv:"pharmacy_rate" json:"pharmacy_rate"`
	PriceFairness                 string    `csv:"price_fairness" json:"price_fairness"`
	ProviderPrice                 float64   `csv:"provider_price" json:"provider_price"`
	EstimatedMemberResponsibility float64   `csv:"estimated_member_responsibility" json:"estimated_member_responsibility"`
	EarnedBenefit                 float64   `csv:"earned_benefit" json:"earned_benefit"`
	AppliedToDeductible           float64   `csv:"applied_to_deductible" json:"applied_to_deductible"`
	Savings                       float64   `csv:"savings" json:"savings"`
	BillOverBenefitAmount         float64   `csv:"bill_over_benefit_amount" json:"bill_over_benefit_amount"`
	FacilityBenefitAmount         float64   `csv:"facility_benefit_amount" json:"facility_benefit_amount"`
	GSN                           string    `csv:"gsn" json:"gsn"`
	NDC                           string    `csv:"ndc" json:"ndc"`
	Qty                           float64   `csv:"qty" json:"qty"`
}

// Key returns the pair the row belongs to.
func (r *OutputRow) Key() PairKey {
	return PairKey{DrugCode: r.ProcedureCode, ZipCode: r.ZipCode}
}

// CollectionResult holds the overall result of a collection run.
type CollectionResult struct {
	StartTime      time.Time
	EndTime        time.Time
	Keys           []string
	TotalPairs     int
	Attempted      int
	Completed      int
	Failed         int
	Skipped        int
	Outstanding    int
	RowsWritten    int
	RequestCount   int
	RetryCount     int
	TokenRefreshes int
	FailedPairs    []string
	// UnresolvedZips are "STATE:zip" entries left out of the run because
	// they could not be geocoded.
	UnresolvedZips []string
	ErrorsByType   map[string]int
	AutoStopped    bool
	Interrupted    bool
}

// Success reports whether nothing is left outstanding.
func (r *CollectionResult) Success() bool {
	return r.Outstanding == 0 && !r.AutoStopped && !r.Interrupted
}
